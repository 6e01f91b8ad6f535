// Package engine drives the simulation: a fixed-cadence loop that
// sequences per-zone pipelines with partial-failure isolation and emits
// per-subscriber tick messages.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gridshard/server/internal/game"
	"gridshard/server/internal/intent"
	"gridshard/server/internal/registry"
	"gridshard/server/internal/store"
	"gridshard/server/internal/telemetry"
)

const (
	tickTotalMetricKey   = "engine_tick_total"
	tickSlipMetricKey    = "engine_tick_slip_total"
	zoneErrorMetricKey   = "engine_zone_error_total"
	zonesActiveMetricKey = "engine_zones_active"
)

const statsHistory = 100

// State is the engine lifecycle state.
type State int32

const (
	StateRunning State = iota
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config tunes the tick engine.
type Config struct {
	// TickInterval is the cadence between tick boundaries.
	TickInterval time.Duration
	// ZoneWorkers caps how many zone pipelines run concurrently within
	// one tick. Zero or negative means one worker per active zone.
	ZoneWorkers int
	// FilterFailureLimit is how many consecutive PlayerState failures a
	// subscriber survives before being scheduled for disconnect.
	FilterFailureLimit int
}

// TickStats records timing for one executed tick.
type TickStats struct {
	TickNumber       uint64        `json:"tickNumber"`
	Duration         time.Duration `json:"-"`
	DurationMillis   float64       `json:"durationMs"`
	ZonesProcessed   int           `json:"zonesProcessed"`
	ZoneErrors       int           `json:"zoneErrors"`
	IntentsProcessed int           `json:"intentsProcessed"`
}

// Engine owns the tick loop. It is the single logical driver; per-zone
// pipelines within one tick may run in parallel.
type Engine struct {
	store    *store.Store
	queue    *intent.Queue
	registry *registry.Registry
	adapter  *game.Adapter
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	cfg      Config

	state      atomic.Int32
	stepCh     chan struct{}
	tickNumber atomic.Uint64

	statsMu sync.Mutex
	recent  []TickStats

	failureMu      sync.Mutex
	filterFailures map[uint64]int
}

// New wires the engine to its collaborators.
func New(s *store.Store, q *intent.Queue, r *registry.Registry, a *game.Adapter,
	cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.FilterFailureLimit < 1 {
		cfg.FilterFailureLimit = 3
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	e := &Engine{
		store:          s,
		queue:          q,
		registry:       r,
		adapter:        a,
		logger:         logger,
		metrics:        metrics,
		cfg:            cfg,
		stepCh:         make(chan struct{}, 1),
		filterFailures: make(map[uint64]int),
	}
	e.state.Store(int32(StateRunning))
	return e
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// TickNumber reports the last executed tick.
func (e *Engine) TickNumber() uint64 {
	return e.tickNumber.Load()
}

// Pause suspends the pipeline; the cadence loop keeps running so resume
// picks up at the next boundary.
func (e *Engine) Pause() {
	e.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
	e.logger.Printf("tick engine paused at tick %d", e.TickNumber())
}

// Resume restarts the pipeline.
func (e *Engine) Resume() {
	e.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
	e.logger.Printf("tick engine resumed at tick %d", e.TickNumber())
}

// Step schedules exactly one pipeline execution while paused.
func (e *Engine) Step() bool {
	if e.State() != StatePaused {
		return false
	}
	select {
	case e.stepCh <- struct{}{}:
		return true
	default:
		// A step is already pending.
		return true
	}
}

// RecentStats returns the newest-last ring of tick timings.
func (e *Engine) RecentStats() []TickStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := make([]TickStats, len(e.recent))
	copy(out, e.recent)
	return out
}

// Run drives the cadence loop until ctx is cancelled. Shutdown happens
// at a tick boundary: an in-flight tick completes or rolls back its
// zones before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("tick engine started (interval %s)", e.cfg.TickInterval)
	for {
		start := time.Now()

		if e.shouldTick() {
			e.TickOnce(ctx)
		}

		elapsed := time.Since(start)
		sleep := e.cfg.TickInterval - elapsed
		if sleep < 0 {
			// Overrun: proceed to the next boundary, never burst.
			if e.metrics != nil {
				e.metrics.Add(tickSlipMetricKey, 1)
			}
			e.logger.Printf("tick %d overran interval by %s", e.TickNumber(), -sleep)
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.state.Store(int32(StateStopping))
			e.logger.Printf("tick engine stopped at tick %d", e.TickNumber())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) shouldTick() bool {
	switch e.State() {
	case StateRunning:
		return true
	case StatePaused:
		select {
		case <-e.stepCh:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// TickOnce executes a single tick pipeline: compute the active zone set,
// run every zone independently, record stats. Exposed for tests and the
// paused-step path.
func (e *Engine) TickOnce(ctx context.Context) TickStats {
	start := time.Now()
	tick := e.tickNumber.Add(1)

	active := e.activeZones()
	if e.metrics != nil {
		e.metrics.Add(tickTotalMetricKey, 1)
		e.metrics.Store(zonesActiveMetricKey, uint64(len(active)))
	}

	var (
		wg         sync.WaitGroup
		resultMu   sync.Mutex
		zoneErrors int
		intents    int
	)

	workers := e.cfg.ZoneWorkers
	if workers <= 0 || workers > len(active) {
		workers = len(active)
	}
	sem := make(chan struct{}, maxInt(workers, 1))

	for _, zoneID := range active {
		wg.Add(1)
		sem <- struct{}{}
		go func(zoneID string) {
			defer wg.Done()
			defer func() { <-sem }()

			processed, err := e.processZone(ctx, tick, zoneID)
			resultMu.Lock()
			intents += processed
			if err != nil {
				zoneErrors++
			}
			resultMu.Unlock()
			if err != nil {
				if e.metrics != nil {
					e.metrics.Add(zoneErrorMetricKey, 1)
				}
				e.logger.Printf("tick %d: zone %s failed and rolled back: %v", tick, zoneID, err)
			}
		}(zoneID)
	}
	wg.Wait()

	stats := TickStats{
		TickNumber:       tick,
		Duration:         time.Since(start),
		ZonesProcessed:   len(active),
		ZoneErrors:       zoneErrors,
		IntentsProcessed: intents,
	}
	stats.DurationMillis = float64(stats.Duration) / float64(time.Millisecond)
	e.recordStats(stats)
	return stats
}

// activeZones computes subscribed zones ∪ zones with queued intents.
// Per-tick work scales with this set, not with the world size.
func (e *Engine) activeZones() []string {
	seen := make(map[string]struct{})
	for _, id := range e.registry.SubscribedZoneIDs() {
		seen[id] = struct{}{}
	}
	for _, id := range e.queue.PendingZones() {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) recordStats(stats TickStats) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.recent = append(e.recent, stats)
	if len(e.recent) > statsHistory {
		e.recent = e.recent[len(e.recent)-statsHistory:]
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
