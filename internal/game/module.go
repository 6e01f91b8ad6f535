// Package game defines the pluggable game-logic contract and the adapter
// the framework uses to invoke it.
package game

import (
	"context"
	"encoding/json"

	"gridshard/server/internal/world"
)

// Framework is the capability set handed to modules at init time:
// read-only access to zones and their entities.
type Framework interface {
	Zone(ctx context.Context, zoneID string) (world.Zone, error)
	Entities(ctx context.Context, zoneID string) ([]world.Entity, error)
}

// TickInput carries everything a module needs to resolve one (zone, tick).
type TickInput struct {
	Zone       world.Zone
	Entities   []world.Entity
	Intents    []world.Intent
	TickNumber uint64
}

// Module is the polymorphic game-logic contract. Implementations are
// registered by name and resolved once at startup.
//
// Tick is treated as a pure function over its input: the framework
// persists only the returned deltas. PlayerState is the sole per-player
// redaction hook; it may run concurrently for different subscribers and
// must be safe for that.
type Module interface {
	Init(ctx context.Context, framework Framework) error
	Tick(ctx context.Context, input TickInput) (world.TickResult, error)
	PlayerState(ctx context.Context, zoneID, playerID string, base world.BaseState) (json.RawMessage, error)
}
