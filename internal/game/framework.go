package game

import (
	"context"

	"gridshard/server/internal/store"
	"gridshard/server/internal/world"
)

// StoreFramework implements the Framework capability set over the
// persistence gateway's read path.
type StoreFramework struct {
	store *store.Store
}

// NewStoreFramework wraps the store for module consumption.
func NewStoreFramework(s *store.Store) *StoreFramework {
	return &StoreFramework{store: s}
}

// Zone reads one zone inside its own read-only transaction.
func (f *StoreFramework) Zone(ctx context.Context, zoneID string) (world.Zone, error) {
	var zone world.Zone
	err := f.store.View(ctx, func(tx *store.Tx) error {
		var err error
		zone, err = tx.Zone(ctx, zoneID)
		return err
	})
	return zone, err
}

// Entities reads a zone's entities inside its own read-only transaction.
func (f *StoreFramework) Entities(ctx context.Context, zoneID string) ([]world.Entity, error) {
	var entities []world.Entity
	err := f.store.View(ctx, func(tx *store.Tx) error {
		var err error
		entities, err = tx.Entities(ctx, zoneID)
		return err
	})
	return entities, err
}
