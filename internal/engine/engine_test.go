package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"gridshard/server/internal/game"
	"gridshard/server/internal/intent"
	"gridshard/server/internal/registry"
	"gridshard/server/internal/store"
	"gridshard/server/internal/world"
)

type fakeSink struct {
	mu     sync.Mutex
	sent   [][]byte
	failed bool
	closed int
}

func (s *fakeSink) TrySend(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("sink broken")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeSink) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSink) lastTick(t *testing.T) (uint64, world.BaseState) {
	t.Helper()
	msgs := s.messages()
	if len(msgs) == 0 {
		t.Fatalf("sink received no messages")
	}
	var envelope struct {
		Type       string          `json:"type"`
		TickNumber uint64          `json:"tick_number"`
		State      json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(msgs[len(msgs)-1], &envelope); err != nil {
		t.Fatalf("malformed tick envelope: %v", err)
	}
	if envelope.Type != "tick" {
		t.Fatalf("expected tick envelope, got %q", envelope.Type)
	}
	var base world.BaseState
	if err := json.Unmarshal(envelope.State, &base); err != nil {
		t.Fatalf("malformed tick state: %v", err)
	}
	return envelope.TickNumber, base
}

// testModule is a configurable game module for pipeline tests. Intents
// of the form {"action":"create","x":N,"y":N} become entity creates;
// {"action":"delete","entity_id":ID} become deletes.
type testModule struct {
	mu         sync.Mutex
	failZones  map[string]error
	ticks      []game.TickInput
	filter     func(playerID string, base world.BaseState) (json.RawMessage, error)
	filterErrs map[string]error
}

func newTestModule() *testModule {
	return &testModule{
		failZones:  make(map[string]error),
		filterErrs: make(map[string]error),
	}
}

func (m *testModule) Init(ctx context.Context, framework game.Framework) error { return nil }

func (m *testModule) Tick(ctx context.Context, input game.TickInput) (world.TickResult, error) {
	m.mu.Lock()
	m.ticks = append(m.ticks, input)
	failure := m.failZones[input.Zone.ID]
	m.mu.Unlock()
	if failure != nil {
		return world.TickResult{}, failure
	}

	var result world.TickResult
	for _, in := range input.Intents {
		var parsed struct {
			Action   string `json:"action"`
			EntityID string `json:"entity_id"`
			X        int    `json:"x"`
			Y        int    `json:"y"`
		}
		if err := json.Unmarshal(in.Data, &parsed); err != nil {
			continue
		}
		switch parsed.Action {
		case "create":
			result.Creates = append(result.Creates, world.EntityCreate{X: parsed.X, Y: parsed.Y})
		case "delete":
			result.Deletes = append(result.Deletes, parsed.EntityID)
		}
	}
	return result, nil
}

func (m *testModule) PlayerState(ctx context.Context, zoneID, playerID string, base world.BaseState) (json.RawMessage, error) {
	m.mu.Lock()
	filterErr := m.filterErrs[playerID]
	filter := m.filter
	m.mu.Unlock()
	if filterErr != nil {
		return nil, filterErr
	}
	if filter != nil {
		return filter(playerID, base)
	}
	return json.Marshal(base)
}

func (m *testModule) tickInputs() []game.TickInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]game.TickInput, len(m.ticks))
	copy(out, m.ticks)
	return out
}

type fixture struct {
	store    *store.Store
	queue    *intent.Queue
	registry *registry.Registry
	module   *testModule
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), "file:"+t.TempDir()+"/engine.db", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	module := newTestModule()
	queue := intent.NewQueue(256, 256, nil)
	reg := registry.NewRegistry(nil, nil)
	adapter := game.NewAdapter(module, nil, nil)
	eng := New(s, queue, reg, adapter, Config{ZoneWorkers: 4}, nil, nil)
	return &fixture{store: s, queue: queue, registry: reg, module: module, engine: eng}
}

func (f *fixture) createZone(t *testing.T, name string) world.Zone {
	t.Helper()
	zone, err := f.store.CreateZone(context.Background(), name, 32, 32, nil)
	if err != nil {
		t.Fatalf("create zone: %v", err)
	}
	return zone
}

func (f *fixture) subscribe(t *testing.T, playerID, zoneID string) (uint64, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	connID := f.registry.Register(playerID, sink)
	if err := f.registry.Subscribe(playerID, connID, zoneID); err != nil {
		t.Fatalf("subscribe %s to %s: %v", playerID, zoneID, err)
	}
	return connID, sink
}

func (f *fixture) enqueue(t *testing.T, playerID, zoneID, data string) {
	t.Helper()
	err := f.queue.Enqueue(world.Intent{
		PlayerID: playerID, ZoneID: zoneID, Data: json.RawMessage(data),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestSameTickCreateVisibility(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	_, sink := f.subscribe(t, "p1", zone.ID)
	f.enqueue(t, "p1", zone.ID, `{"action":"create","x":3,"y":4}`)

	stats := f.engine.TickOnce(context.Background())
	if stats.ZoneErrors != 0 {
		t.Fatalf("expected clean tick, got %d zone errors", stats.ZoneErrors)
	}

	tick, base := sink.lastTick(t)
	if tick != stats.TickNumber {
		t.Fatalf("expected tick %d, got %d", stats.TickNumber, tick)
	}
	if len(base.Entities) != 1 {
		t.Fatalf("expected same-tick create to be visible, got %d entities", len(base.Entities))
	}
	if base.Entities[0].X != 3 || base.Entities[0].Y != 4 {
		t.Fatalf("expected entity at (3,4), got (%d,%d)", base.Entities[0].X, base.Entities[0].Y)
	}

	// The commit is visible through the inspection read path too.
	_, persisted, err := f.store.ZoneEntities(context.Background(), zone.ID)
	if err != nil {
		t.Fatalf("inspect zone: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted entity, got %d", len(persisted))
	}
}

func TestSameTickDeleteVisibility(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	seeded, err := f.store.SeedEntity(context.Background(), zone.ID, 5, 5, 0, 0, nil)
	if err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	_, sink := f.subscribe(t, "p1", zone.ID)
	f.enqueue(t, "p1", zone.ID, fmt.Sprintf(`{"action":"delete","entity_id":%q}`, seeded.ID))

	f.engine.TickOnce(context.Background())

	_, base := sink.lastTick(t)
	if len(base.Entities) != 0 {
		t.Fatalf("expected same-tick delete to be visible, got %d entities", len(base.Entities))
	}
}

func TestFogOfWarDivergence(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	if _, err := f.store.SeedEntity(context.Background(), zone.ID, 1, 1, 0, 0, nil); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	if _, err := f.store.SeedEntity(context.Background(), zone.ID, 20, 20, 0, 0, nil); err != nil {
		t.Fatalf("seed entity: %v", err)
	}

	// Each player sees only the near or the far half of the zone.
	f.module.filter = func(playerID string, base world.BaseState) (json.RawMessage, error) {
		visible := base
		visible.Entities = nil
		for _, e := range base.Entities {
			if playerID == "near" && e.X < 10 {
				visible.Entities = append(visible.Entities, e)
			}
			if playerID == "far" && e.X >= 10 {
				visible.Entities = append(visible.Entities, e)
			}
		}
		return json.Marshal(visible)
	}

	_, nearSink := f.subscribe(t, "near", zone.ID)
	_, farSink := f.subscribe(t, "far", zone.ID)

	stats := f.engine.TickOnce(context.Background())

	nearTick, nearBase := nearSink.lastTick(t)
	farTick, farBase := farSink.lastTick(t)
	if nearTick != stats.TickNumber || farTick != stats.TickNumber {
		t.Fatalf("expected both subscribers on tick %d, got %d and %d", stats.TickNumber, nearTick, farTick)
	}
	if len(nearBase.Entities) != 1 || nearBase.Entities[0].X != 1 {
		t.Fatalf("expected near player to see only the near entity, got %+v", nearBase.Entities)
	}
	if len(farBase.Entities) != 1 || farBase.Entities[0].X != 20 {
		t.Fatalf("expected far player to see only the far entity, got %+v", farBase.Entities)
	}
}

func TestPerZoneFailureIsolation(t *testing.T) {
	f := newFixture(t)
	zone1 := f.createZone(t, "zone-1")
	zone2 := f.createZone(t, "zone-2")
	f.module.failZones[zone1.ID] = errors.New("zone-1 module failure")

	_, sink1 := f.subscribe(t, "p1", zone1.ID)
	_, sink2 := f.subscribe(t, "p2", zone2.ID)
	f.enqueue(t, "p1", zone1.ID, `{"action":"create","x":1,"y":1}`)
	f.enqueue(t, "p2", zone2.ID, `{"action":"create","x":2,"y":2}`)

	stats := f.engine.TickOnce(context.Background())
	if stats.ZoneErrors != 1 {
		t.Fatalf("expected exactly 1 zone error, got %d", stats.ZoneErrors)
	}

	// Zone 1 rolled back and emitted nothing.
	if len(sink1.messages()) != 0 {
		t.Fatalf("expected no broadcast for the failed zone")
	}
	_, entities1, err := f.store.ZoneEntities(context.Background(), zone1.ID)
	if err != nil {
		t.Fatalf("inspect zone1: %v", err)
	}
	if len(entities1) != 0 {
		t.Fatalf("expected zone1 unchanged, got %d entities", len(entities1))
	}

	// Zone 2 committed and broadcast normally.
	_, base2 := sink2.lastTick(t)
	if len(base2.Entities) != 1 {
		t.Fatalf("expected zone2 delta applied, got %d entities", len(base2.Entities))
	}

	// Both zones are considered again next tick.
	delete(f.module.failZones, zone1.ID)
	stats = f.engine.TickOnce(context.Background())
	if stats.ZonesProcessed != 2 {
		t.Fatalf("expected both zones active on the next tick, got %d", stats.ZonesProcessed)
	}
}

func TestReconnectSafety(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")

	conn1, _ := f.subscribe(t, "p1", zone.ID)

	// A newer connection supersedes and subscribes.
	sink2 := &fakeSink{}
	conn2 := f.registry.Register("p1", sink2)
	if err := f.registry.Subscribe("p1", conn2, zone.ID); err != nil {
		t.Fatalf("subscribe new connection: %v", err)
	}

	// The stale handler's disconnect must not affect the new session.
	f.registry.Disconnect("p1", conn1)

	f.engine.TickOnce(context.Background())
	if len(sink2.messages()) != 1 {
		t.Fatalf("expected the newer connection to receive the tick, got %d messages", len(sink2.messages()))
	}
}

func TestIntentRaceAllDelivered(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	f.subscribe(t, "p1", zone.ID)

	const count = 100
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func(i int) {
			defer wg.Done()
			f.enqueue(t, "p1", zone.ID, fmt.Sprintf(`{"action":"noop","n":%d}`, i))
		}(i)
	}
	wg.Wait()

	stats := f.engine.TickOnce(context.Background())
	if stats.IntentsProcessed != count {
		t.Fatalf("expected %d intents processed, got %d", count, stats.IntentsProcessed)
	}
	inputs := f.module.tickInputs()
	if len(inputs) != 1 {
		t.Fatalf("expected one module invocation, got %d", len(inputs))
	}
	if len(inputs[0].Intents) != count {
		t.Fatalf("expected all %d intents in one invocation, got %d", count, len(inputs[0].Intents))
	}
}

func TestActiveZoneScoping(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 50; i++ {
		f.createZone(t, fmt.Sprintf("idle-%d", i))
	}

	stats := f.engine.TickOnce(context.Background())
	if stats.ZonesProcessed != 0 {
		t.Fatalf("expected no zones processed without subscribers or intents, got %d", stats.ZonesProcessed)
	}
	if len(f.module.tickInputs()) != 0 {
		t.Fatalf("expected the module untouched for idle zones")
	}

	target := f.createZone(t, "busy")
	f.subscribe(t, "p1", target.ID)

	stats = f.engine.TickOnce(context.Background())
	if stats.ZonesProcessed != 1 {
		t.Fatalf("expected only the subscribed zone, got %d", stats.ZonesProcessed)
	}
	inputs := f.module.tickInputs()
	if len(inputs) != 1 || inputs[0].Zone.ID != target.ID {
		t.Fatalf("expected only zone %s to reach the module", target.ID)
	}
}

func TestIntentOnlyZoneIsActive(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "quiet")

	// No subscribers, one queued intent: the zone still processes.
	f.enqueue(t, "p1", zone.ID, `{"action":"create","x":7,"y":7}`)

	stats := f.engine.TickOnce(context.Background())
	if stats.ZonesProcessed != 1 {
		t.Fatalf("expected intent-only zone to be active, got %d", stats.ZonesProcessed)
	}
	_, entities, err := f.store.ZoneEntities(context.Background(), zone.ID)
	if err != nil {
		t.Fatalf("inspect zone: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected the intent's delta committed, got %d entities", len(entities))
	}

	// Drained: the zone drops out of the active set.
	stats = f.engine.TickOnce(context.Background())
	if stats.ZonesProcessed != 0 {
		t.Fatalf("expected zone inactive after drain, got %d", stats.ZonesProcessed)
	}
}

func TestFilterFailureSkipsOnlyThatSubscriber(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	f.module.filterErrs["broken"] = errors.New("filter failure")

	brokenConn, brokenSink := f.subscribe(t, "broken", zone.ID)
	_, healthySink := f.subscribe(t, "healthy", zone.ID)

	f.engine.TickOnce(context.Background())
	if len(brokenSink.messages()) != 0 {
		t.Fatalf("expected failing filter to suppress emission")
	}
	if len(healthySink.messages()) != 1 {
		t.Fatalf("expected healthy subscriber to receive the tick")
	}

	// Repeated failures mark the subscriber for disconnect.
	f.engine.TickOnce(context.Background())
	f.engine.TickOnce(context.Background())
	if zoneID, ok := f.registry.SubscribedZone("broken", brokenConn); ok {
		t.Fatalf("expected broken subscriber disconnected, still in %s", zoneID)
	}
	if len(healthySink.messages()) != 3 {
		t.Fatalf("expected healthy subscriber to receive every tick, got %d", len(healthySink.messages()))
	}
}

func TestSendFailureDisconnectsSubscriber(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	conn, sink := f.subscribe(t, "p1", zone.ID)
	sink.failed = true

	f.engine.TickOnce(context.Background())
	if _, ok := f.registry.SubscribedZone("p1", conn); ok {
		t.Fatalf("expected failed sink to trigger disconnect")
	}
	if sink.closed == 0 {
		t.Fatalf("expected sink closed on disconnect")
	}
}

func TestPauseAndStep(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	_, sink := f.subscribe(t, "p1", zone.ID)

	f.engine.Pause()
	if f.engine.State() != StatePaused {
		t.Fatalf("expected paused state, got %s", f.engine.State())
	}
	if f.engine.shouldTick() {
		t.Fatalf("expected no tick while paused")
	}

	if !f.engine.Step() {
		t.Fatalf("expected step to be accepted while paused")
	}
	if !f.engine.shouldTick() {
		t.Fatalf("expected pending step to allow one tick")
	}
	f.engine.TickOnce(context.Background())
	if f.engine.shouldTick() {
		t.Fatalf("expected exactly one step")
	}
	if len(sink.messages()) != 1 {
		t.Fatalf("expected the stepped tick to broadcast")
	}

	f.engine.Resume()
	if f.engine.State() != StateRunning {
		t.Fatalf("expected running state, got %s", f.engine.State())
	}
	if f.engine.Step() {
		t.Fatalf("expected step rejected while running")
	}
}

func TestPausedIntentsDrainInOneTickAfterResume(t *testing.T) {
	f := newFixture(t)
	zone := f.createZone(t, "plains")
	f.subscribe(t, "p1", zone.ID)

	f.engine.Pause()
	for i := 0; i < 5; i++ {
		f.enqueue(t, "p1", zone.ID, fmt.Sprintf(`{"action":"create","x":%d,"y":0}`, i))
	}
	f.engine.Resume()

	f.engine.TickOnce(context.Background())
	inputs := f.module.tickInputs()
	if len(inputs) != 1 || len(inputs[0].Intents) != 5 {
		t.Fatalf("expected one drain with all 5 paused intents, got %+v", inputs)
	}
}

func TestTickNumberMonotonicAcrossZones(t *testing.T) {
	f := newFixture(t)
	zone1 := f.createZone(t, "zone-1")
	zone2 := f.createZone(t, "zone-2")
	f.subscribe(t, "p1", zone1.ID)
	f.subscribe(t, "p2", zone2.ID)

	first := f.engine.TickOnce(context.Background())
	second := f.engine.TickOnce(context.Background())
	if second.TickNumber != first.TickNumber+1 {
		t.Fatalf("expected monotonic tick numbers, got %d then %d", first.TickNumber, second.TickNumber)
	}

	inputs := f.module.tickInputs()
	byTick := make(map[uint64]int)
	for _, input := range inputs {
		byTick[input.TickNumber]++
	}
	if byTick[first.TickNumber] != 2 || byTick[second.TickNumber] != 2 {
		t.Fatalf("expected both zones to share each tick number, got %v", byTick)
	}
}

func TestRunStopsAtTickBoundaryOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.engine.State() != StateStopping {
		t.Fatalf("expected stopping state after shutdown, got %s", f.engine.State())
	}
}

func TestRecentStatsRing(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < statsHistory+10; i++ {
		f.engine.TickOnce(context.Background())
	}
	stats := f.engine.RecentStats()
	if len(stats) != statsHistory {
		t.Fatalf("expected stats capped at %d, got %d", statsHistory, len(stats))
	}
	if stats[len(stats)-1].TickNumber != uint64(statsHistory+10) {
		t.Fatalf("expected newest stat last, got tick %d", stats[len(stats)-1].TickNumber)
	}
}
