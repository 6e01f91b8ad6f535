package store

import (
	"context"
	"encoding/json"
	"time"

	"gridshard/server/internal/world"
)

// CreateZone creates a zone through the administrative path. Width and
// height must be positive; a duplicate name surfaces as ErrConflict.
func (s *Store) CreateZone(ctx context.Context, name string, width, height int, metadata json.RawMessage) (world.Zone, error) {
	now := time.Now().UTC()
	zone := world.Zone{
		ID:        world.NewID(),
		Name:      name,
		Width:     width,
		Height:    height,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.CreateZone(ctx, zone)
	})
	if err != nil {
		return world.Zone{}, err
	}
	return zone, nil
}

// DeleteZone removes a zone and its entities.
func (s *Store) DeleteZone(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.DeleteZone(ctx, id)
	})
}

// ListZones returns every zone through the same transactional read path
// used by the tick pipeline.
func (s *Store) ListZones(ctx context.Context) ([]world.Zone, error) {
	var zones []world.Zone
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		zones, err = tx.Zones(ctx)
		return err
	})
	return zones, err
}

// ZoneEntities returns a zone's entities for read-only inspection.
func (s *Store) ZoneEntities(ctx context.Context, zoneID string) (world.Zone, []world.Entity, error) {
	var zone world.Zone
	var entities []world.Entity
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		if zone, err = tx.Zone(ctx, zoneID); err != nil {
			return err
		}
		entities, err = tx.Entities(ctx, zoneID)
		return err
	})
	if err != nil {
		return world.Zone{}, nil, err
	}
	return zone, entities, nil
}

// SeedEntity inserts one entity outside the tick pipeline, for tests and
// the administrative path.
func (s *Store) SeedEntity(ctx context.Context, zoneID string, x, y, width, height int, metadata json.RawMessage) (world.Entity, error) {
	now := time.Now().UTC()
	entity := world.Entity{
		ID:        world.NewID(),
		ZoneID:    zoneID,
		X:         x,
		Y:         y,
		Width:     width,
		Height:    height,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.CreateEntity(ctx, entity)
	})
	if err != nil {
		return world.Entity{}, err
	}
	return entity, nil
}
