package game

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"gridshard/server/internal/telemetry"
	"gridshard/server/internal/world"
)

const (
	tickPanicMetricKey   = "game_tick_panic_total"
	filterPanicMetricKey = "game_filter_panic_total"
)

// Adapter is the only component that calls the module. It converts
// module panics into errors so a misbehaving module aborts a single
// zone's tick or a single subscriber's emission, never the process.
type Adapter struct {
	module  Module
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// NewAdapter wraps a module for framework use.
func NewAdapter(module Module, logger telemetry.Logger, metrics telemetry.Metrics) *Adapter {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Adapter{module: module, logger: logger, metrics: metrics}
}

// Init runs the module's one-time initialization.
func (a *Adapter) Init(ctx context.Context, framework Framework) error {
	return a.module.Init(ctx, framework)
}

// Tick invokes the module for one (zone, tick). The engine guarantees
// Tick is never invoked concurrently for the same zone.
func (a *Adapter) Tick(ctx context.Context, input TickInput) (result world.TickResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			if a.metrics != nil {
				a.metrics.Add(tickPanicMetricKey, 1)
			}
			result = world.TickResult{}
			err = eris.Errorf("module panicked in Tick for zone %s: %v", input.Zone.ID, r)
		}
	}()
	return a.module.Tick(ctx, input)
}

// PlayerState invokes the per-subscriber fog-of-war filter. A panic or
// error aborts only that subscriber's emission.
func (a *Adapter) PlayerState(ctx context.Context, zoneID, playerID string, base world.BaseState) (state json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			if a.metrics != nil {
				a.metrics.Add(filterPanicMetricKey, 1)
			}
			state = nil
			err = eris.Errorf("module panicked in PlayerState for player %s: %v", playerID, r)
		}
	}()
	return a.module.PlayerState(ctx, zoneID, playerID, base)
}
