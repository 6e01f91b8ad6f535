// Package intent buffers player intents per zone between the
// asynchronous ingress path and the synchronous tick boundary.
package intent

import (
	"errors"
	"sync"

	"gridshard/server/internal/world"
)

const (
	queueDepthMetricKey    = "intent_queue_depth"
	queueOverflowMetricKey = "intent_queue_overflow_total"
	queueEnqueuedMetricKey = "intent_enqueued_total"
)

// RejectQueueFull indicates the zone's buffer is saturated.
// RejectPlayerLimit indicates per-player throttling dropped the intent.
const (
	RejectQueueFull   = "queue_full"
	RejectPlayerLimit = "player_limit"
)

// ErrQueueFull is returned when a zone's buffer has no room.
var ErrQueueFull = errors.New("intent: queue full")

// ErrPlayerLimit is returned when one player exceeds its in-flight cap.
var ErrPlayerLimit = errors.New("intent: per-player limit exceeded")

type queueMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// Queue holds one FIFO ring per zone. Enqueue is safe for many
// concurrent producers; Drain is called by the tick engine at most once
// per zone per tick. Intents enqueued during a drain land in the buffer
// for the following tick.
type Queue struct {
	mu             sync.Mutex
	zones          map[string]*zoneQueue
	capacity       int
	perPlayerLimit int
	metrics        queueMetrics
}

type zoneQueue struct {
	mu        sync.Mutex
	data      []world.Intent
	head      int
	tail      int
	count     int
	perPlayer map[string]int
}

// NewQueue constructs a queue whose per-zone rings hold capacity intents,
// with at most perPlayerLimit staged per player. Non-positive arguments
// fall back to workable minimums.
func NewQueue(capacity, perPlayerLimit int, metrics queueMetrics) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if perPlayerLimit < 1 {
		perPlayerLimit = capacity
	}
	return &Queue{
		zones:          make(map[string]*zoneQueue),
		capacity:       capacity,
		perPlayerLimit: perPlayerLimit,
		metrics:        metrics,
	}
}

// Enqueue stages an intent for its zone. The intent is durably placed in
// the buffer before Enqueue returns; callers must not acknowledge the
// client until then.
func (q *Queue) Enqueue(in world.Intent) error {
	if q == nil {
		return ErrQueueFull
	}
	zq := q.zone(in.ZoneID)

	zq.mu.Lock()
	defer zq.mu.Unlock()
	if zq.count == len(zq.data) {
		if q.metrics != nil {
			q.metrics.Add(queueOverflowMetricKey, 1)
		}
		return ErrQueueFull
	}
	if zq.perPlayer[in.PlayerID] >= q.perPlayerLimit {
		if q.metrics != nil {
			q.metrics.Add(queueOverflowMetricKey, 1)
		}
		return ErrPlayerLimit
	}
	zq.data[zq.tail] = in
	zq.tail = (zq.tail + 1) % len(zq.data)
	zq.count++
	zq.perPlayer[in.PlayerID]++
	if q.metrics != nil {
		q.metrics.Add(queueEnqueuedMetricKey, 1)
		q.metrics.Store(queueDepthMetricKey, uint64(zq.count))
	}
	return nil
}

// Drain returns all intents staged for the zone in enqueue order and
// clears the buffer. Enqueues racing the drain are preserved for the
// next tick: they either make it into the returned slice or stay staged.
func (q *Queue) Drain(zoneID string) []world.Intent {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	zq, ok := q.zones[zoneID]
	q.mu.Unlock()
	if !ok {
		return nil
	}

	zq.mu.Lock()
	defer zq.mu.Unlock()
	if zq.count == 0 {
		return nil
	}
	intents := make([]world.Intent, zq.count)
	for i := 0; i < zq.count; i++ {
		intents[i] = zq.data[(zq.head+i)%len(zq.data)]
	}
	zq.head = 0
	zq.tail = 0
	zq.count = 0
	zq.perPlayer = make(map[string]int)
	return intents
}

// PendingZones snapshots the ids of zones with at least one staged
// intent, for the tick engine's active-set computation.
func (q *Queue) PendingZones() []string {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	queues := make(map[string]*zoneQueue, len(q.zones))
	for id, zq := range q.zones {
		queues[id] = zq
	}
	q.mu.Unlock()

	var pending []string
	for id, zq := range queues {
		zq.mu.Lock()
		staged := zq.count > 0
		zq.mu.Unlock()
		if staged {
			pending = append(pending, id)
		}
	}
	return pending
}

// Len reports the number of staged intents for a zone.
func (q *Queue) Len(zoneID string) int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	zq, ok := q.zones[zoneID]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	zq.mu.Lock()
	defer zq.mu.Unlock()
	return zq.count
}

func (q *Queue) zone(zoneID string) *zoneQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	zq, ok := q.zones[zoneID]
	if !ok {
		zq = &zoneQueue{
			data:      make([]world.Intent, q.capacity),
			perPlayer: make(map[string]int),
		}
		q.zones[zoneID] = zq
	}
	return zq
}
