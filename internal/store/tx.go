package store

import (
	"context"
	"database/sql"
	"time"

	"gridshard/server/internal/world"
)

const timeLayout = time.RFC3339Nano

// Tx is a scoped transactional session. Acquisition is paired with a
// guaranteed release: the scope function either commits as a whole or
// rolls back as a whole, and a failed scope never poisons a sibling.
type Tx struct {
	tx *sql.Tx
}

// View runs fn inside a transaction that always rolls back, giving
// callers a consistent snapshot for reads.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin read transaction")
	}
	defer tx.Rollback()
	return fn(&Tx{tx: tx})
}

// Update runs fn inside a writable transaction, committing when fn
// returns nil and rolling back on error or panic. Commit happens only
// here, at the scope boundary, never inside delta application.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return classify(beginErr, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify(err, "commit transaction")
	}
	committed = true
	return nil
}

// Zone loads a zone by id within the current transaction.
func (t *Tx) Zone(ctx context.Context, id string) (world.Zone, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, name, width, height, metadata, created_at, updated_at
		 FROM zones WHERE id = ?`, id)
	return scanZone(row)
}

// ZoneByName loads a zone by its unique name.
func (t *Tx) ZoneByName(ctx context.Context, name string) (world.Zone, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, name, width, height, metadata, created_at, updated_at
		 FROM zones WHERE name = ?`, name)
	return scanZone(row)
}

// Zones lists every zone, ordered by name.
func (t *Tx) Zones(ctx context.Context) ([]world.Zone, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, name, width, height, metadata, created_at, updated_at
		 FROM zones ORDER BY name`)
	if err != nil {
		return nil, classify(err, "list zones")
	}
	defer rows.Close()

	var zones []world.Zone
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, zone)
	}
	return zones, classify(rows.Err(), "list zones")
}

// Entities lists all entities in a zone for the current transaction,
// ordered by creation so snapshots are stable across reads.
func (t *Tx) Entities(ctx context.Context, zoneID string) ([]world.Entity, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, zone_id, x, y, width, height, metadata, created_at, updated_at
		 FROM entities WHERE zone_id = ? ORDER BY created_at, id`, zoneID)
	if err != nil {
		return nil, classify(err, "list entities")
	}
	defer rows.Close()

	var entities []world.Entity
	for rows.Next() {
		var e world.Entity
		var createdAt, updatedAt string
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.ZoneID, &e.X, &e.Y, &e.Width, &e.Height,
			&metadata, &createdAt, &updatedAt); err != nil {
			return nil, classify(err, "scan entity")
		}
		e.Metadata = metadata
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		entities = append(entities, e)
	}
	return entities, classify(rows.Err(), "list entities")
}

// CreateZone inserts a new zone. A duplicate name surfaces as ErrConflict.
func (t *Tx) CreateZone(ctx context.Context, zone world.Zone) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO zones (id, name, width, height, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		zone.ID, zone.Name, zone.Width, zone.Height, []byte(zone.Metadata),
		zone.CreatedAt.Format(timeLayout), zone.UpdatedAt.Format(timeLayout))
	return classify(err, "create zone")
}

// DeleteZone removes a zone and, via the schema cascade, its entities.
func (t *Tx) DeleteZone(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete zone")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "delete zone")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEntity inserts a single entity, used by the administrative path
// to seed zones outside the tick pipeline.
func (t *Tx) CreateEntity(ctx context.Context, entity world.Entity) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO entities (id, zone_id, x, y, width, height, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.ZoneID, entity.X, entity.Y, entity.Width, entity.Height,
		[]byte(entity.Metadata), entity.CreatedAt.Format(timeLayout),
		entity.UpdatedAt.Format(timeLayout))
	return classify(err, "create entity")
}

// ApplyDeltas persists one tick's entity changes for a zone. It never
// commits; the caller's scope decides commit or rollback.
func (t *Tx) ApplyDeltas(ctx context.Context, zoneID string, created []world.Entity,
	updates []world.EntityUpdate, deletes []string, now time.Time) error {
	for _, entity := range created {
		if err := t.CreateEntity(ctx, entity); err != nil {
			return err
		}
	}
	for _, update := range updates {
		if err := t.applyUpdate(ctx, zoneID, update, now); err != nil {
			return err
		}
	}
	for _, id := range deletes {
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM entities WHERE id = ? AND zone_id = ?`, id, zoneID); err != nil {
			return classify(err, "delete entity")
		}
	}
	return nil
}

func (t *Tx) applyUpdate(ctx context.Context, zoneID string, update world.EntityUpdate, now time.Time) error {
	set := "updated_at = ?"
	args := []any{now.Format(timeLayout)}
	if update.X != nil {
		set += ", x = ?"
		args = append(args, *update.X)
	}
	if update.Y != nil {
		set += ", y = ?"
		args = append(args, *update.Y)
	}
	if update.Width != nil {
		set += ", width = ?"
		args = append(args, *update.Width)
	}
	if update.Height != nil {
		set += ", height = ?"
		args = append(args, *update.Height)
	}
	if update.Metadata != nil {
		set += ", metadata = ?"
		args = append(args, []byte(*update.Metadata))
	}
	args = append(args, update.ID, zoneID)
	_, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET `+set+` WHERE id = ? AND zone_id = ?`, args...)
	return classify(err, "update entity")
}

func scanZone(row interface{ Scan(...any) error }) (world.Zone, error) {
	var z world.Zone
	var createdAt, updatedAt string
	var metadata []byte
	err := row.Scan(&z.ID, &z.Name, &z.Width, &z.Height, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return world.Zone{}, ErrNotFound
	}
	if err != nil {
		return world.Zone{}, classify(err, "scan zone")
	}
	z.Metadata = metadata
	z.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	z.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return z, nil
}
