package engine

import (
	"context"
	"time"

	"gridshard/server/internal/game"
	"gridshard/server/internal/store"
	"gridshard/server/internal/world"
)

// processZone runs one zone's pipeline for one tick: load, drain,
// resolve, apply, commit, broadcast. Any failure before commit rolls
// back this zone only; sibling zones are unaffected. It returns how many
// intents the module consumed.
func (e *Engine) processZone(ctx context.Context, tickNumber uint64, zoneID string) (int, error) {
	var (
		base      world.BaseState
		processed int
	)

	err := e.store.Update(ctx, func(tx *store.Tx) error {
		zone, err := tx.Zone(ctx, zoneID)
		if err != nil {
			if store.IsNotFound(err) {
				// The zone was destroyed out of band; discard its
				// queued intents so the active set drains.
				e.queue.Drain(zoneID)
			}
			return err
		}

		entities, err := tx.Entities(ctx, zoneID)
		if err != nil {
			return err
		}

		intents := e.queue.Drain(zoneID)
		processed = len(intents)

		result, err := e.adapter.Tick(ctx, game.TickInput{
			Zone:       zone,
			Entities:   entities,
			Intents:    intents,
			TickNumber: tickNumber,
		})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		applied := world.ApplySnapshot(zone, entities, result, now)
		if err := tx.ApplyDeltas(ctx, zoneID, applied.Created, result.Updates, result.Deletes, now); err != nil {
			return err
		}

		base = world.BaseState{
			ZoneID:     zoneID,
			TickNumber: tickNumber,
			Entities:   applied.Entities,
			Extras:     result.Extras,
		}
		return nil
	})
	if err != nil {
		return processed, err
	}

	// Post-commit: subscribers observe exactly the committed state.
	e.broadcastZone(ctx, zoneID, base)
	return processed, nil
}
