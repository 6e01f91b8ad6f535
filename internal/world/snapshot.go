package world

import "time"

// ApplyResult pairs the post-apply entity list with the created entities
// so callers can persist creates with their assigned ids.
type ApplyResult struct {
	Entities []Entity
	Created  []Entity
}

// ApplySnapshot applies a tick result to the pre-tick entity list and
// returns the authoritative post-apply view. Same-tick creates and
// deletes are visible immediately; there is no one-tick lag.
//
// Updates referencing unknown entities and deletes of unknown ids are
// ignored rather than failing the zone: the module raced a concurrent
// delete it could not have observed.
func ApplySnapshot(zone Zone, entities []Entity, result TickResult, now time.Time) ApplyResult {
	deleted := make(map[string]struct{}, len(result.Deletes))
	for _, id := range result.Deletes {
		deleted[id] = struct{}{}
	}

	updates := make(map[string]EntityUpdate, len(result.Updates))
	for _, update := range result.Updates {
		updates[update.ID] = update
	}

	next := make([]Entity, 0, len(entities)+len(result.Creates))
	for _, entity := range entities {
		if _, gone := deleted[entity.ID]; gone {
			continue
		}
		if update, ok := updates[entity.ID]; ok {
			entity = applyUpdate(entity, update, now)
		}
		next = append(next, entity)
	}

	created := make([]Entity, 0, len(result.Creates))
	for _, create := range result.Creates {
		entity := Entity{
			ID:        NewID(),
			ZoneID:    zone.ID,
			X:         create.X,
			Y:         create.Y,
			Width:     create.Width,
			Height:    create.Height,
			Metadata:  create.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = append(created, entity)
		next = append(next, entity)
	}

	return ApplyResult{Entities: next, Created: created}
}

func applyUpdate(entity Entity, update EntityUpdate, now time.Time) Entity {
	if update.X != nil {
		entity.X = *update.X
	}
	if update.Y != nil {
		entity.Y = *update.Y
	}
	if update.Width != nil {
		entity.Width = *update.Width
	}
	if update.Height != nil {
		entity.Height = *update.Height
	}
	if update.Metadata != nil {
		entity.Metadata = *update.Metadata
	}
	entity.UpdatedAt = now
	return entity
}

// IntPtr is a convenience for building sparse EntityUpdate values.
func IntPtr(v int) *int {
	return &v
}
