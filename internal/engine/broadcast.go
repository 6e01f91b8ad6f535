package engine

import (
	"context"
	"encoding/json"
	"sync"

	"gridshard/server/internal/net/proto"
	"gridshard/server/internal/registry"
	"gridshard/server/internal/world"
)

const (
	broadcastSentMetricKey   = "broadcast_sent_total"
	broadcastFilterDropKey   = "broadcast_filter_drop_total"
	broadcastSendDropKey     = "broadcast_send_drop_total"
	broadcastDisconnectTotal = "broadcast_disconnect_total"
)

// broadcastZone filters the base state per subscriber and emits tick
// messages. The filter is always invoked, even when it is an identity
// function; no client ever receives the unfiltered base state directly.
// Each subscriber is handled independently so one slow or failing sink
// never blocks the others.
func (e *Engine) broadcastZone(ctx context.Context, zoneID string, base world.BaseState) {
	subs := e.registry.Subscribers(zoneID)
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub registry.Subscriber) {
			defer wg.Done()
			e.emitToSubscriber(ctx, zoneID, base, sub)
		}(sub)
	}
	wg.Wait()
}

func (e *Engine) emitToSubscriber(ctx context.Context, zoneID string, base world.BaseState, sub registry.Subscriber) {
	state, err := e.adapter.PlayerState(ctx, zoneID, sub.PlayerID, base)
	if err != nil {
		if e.metrics != nil {
			e.metrics.Add(broadcastFilterDropKey, 1)
		}
		e.logger.Printf("filter failed for player %s in zone %s: %v", sub.PlayerID, zoneID, err)
		if e.noteFilterFailure(sub.ConnectionID) {
			e.scheduleDisconnect(sub, "repeated filter failures")
		}
		return
	}
	e.clearFilterFailures(sub.ConnectionID)

	data, err := json.Marshal(proto.NewTick(base.TickNumber, state))
	if err != nil {
		e.logger.Printf("failed to marshal tick for player %s: %v", sub.PlayerID, err)
		return
	}

	if err := sub.Sink.TrySend(data); err != nil {
		if e.metrics != nil {
			e.metrics.Add(broadcastSendDropKey, 1)
		}
		e.logger.Printf("failed to send tick to player %s: %v", sub.PlayerID, err)
		e.scheduleDisconnect(sub, "send failure")
		return
	}
	if e.metrics != nil {
		e.metrics.Add(broadcastSentMetricKey, 1)
	}
}

// noteFilterFailure counts consecutive PlayerState failures for one
// connection and reports whether the limit was reached.
func (e *Engine) noteFilterFailure(connectionID uint64) bool {
	e.failureMu.Lock()
	defer e.failureMu.Unlock()
	e.filterFailures[connectionID]++
	return e.filterFailures[connectionID] >= e.cfg.FilterFailureLimit
}

func (e *Engine) clearFilterFailures(connectionID uint64) {
	e.failureMu.Lock()
	delete(e.filterFailures, connectionID)
	e.failureMu.Unlock()
}

// scheduleDisconnect removes the subscriber through the registry, gated
// on its connection id so a reconnected player is untouched.
func (e *Engine) scheduleDisconnect(sub registry.Subscriber, reason string) {
	if e.metrics != nil {
		e.metrics.Add(broadcastDisconnectTotal, 1)
	}
	e.logger.Printf("disconnecting player %s (connection %d): %s", sub.PlayerID, sub.ConnectionID, reason)
	e.registry.Disconnect(sub.PlayerID, sub.ConnectionID)
	e.clearFilterFailures(sub.ConnectionID)
}
