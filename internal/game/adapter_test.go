package game

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gridshard/server/internal/telemetry"
	"gridshard/server/internal/world"
)

type panickyModule struct {
	tickPanics   bool
	filterPanics bool
}

func (m *panickyModule) Init(ctx context.Context, framework Framework) error { return nil }

func (m *panickyModule) Tick(ctx context.Context, input TickInput) (world.TickResult, error) {
	if m.tickPanics {
		panic("tick exploded")
	}
	return world.TickResult{}, nil
}

func (m *panickyModule) PlayerState(ctx context.Context, zoneID, playerID string, base world.BaseState) (json.RawMessage, error) {
	if m.filterPanics {
		panic("filter exploded")
	}
	return json.RawMessage(`{}`), nil
}

func TestAdapterConvertsTickPanicToError(t *testing.T) {
	counters := telemetry.NewCounters()
	adapter := NewAdapter(&panickyModule{tickPanics: true}, nil, counters)

	_, err := adapter.Tick(context.Background(), TickInput{Zone: world.Zone{ID: "z1"}})
	if err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
	if counters.Snapshot()["game_tick_panic_total"] != 1 {
		t.Fatalf("expected tick panic to be counted")
	}
}

func TestAdapterConvertsFilterPanicToError(t *testing.T) {
	adapter := NewAdapter(&panickyModule{filterPanics: true}, nil, nil)

	state, err := adapter.PlayerState(context.Background(), "z1", "p1", world.BaseState{})
	if err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
	if state != nil {
		t.Fatalf("expected no state on panic, got %s", state)
	}
}

func TestAdapterPassesThroughModuleError(t *testing.T) {
	adapter := NewAdapter(&erroringModule{}, nil, nil)
	_, err := adapter.Tick(context.Background(), TickInput{})
	if !errors.Is(err, errModuleTick) {
		t.Fatalf("expected module error to pass through, got %v", err)
	}
}

var errModuleTick = errors.New("module tick error")

type erroringModule struct{}

func (m *erroringModule) Init(ctx context.Context, framework Framework) error { return nil }

func (m *erroringModule) Tick(ctx context.Context, input TickInput) (world.TickResult, error) {
	return world.TickResult{}, errModuleTick
}

func (m *erroringModule) PlayerState(ctx context.Context, zoneID, playerID string, base world.BaseState) (json.RawMessage, error) {
	return nil, nil
}
