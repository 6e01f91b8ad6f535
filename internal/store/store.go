// Package store is the persistence gateway: transactional read/write of
// zones and entities with per-zone transaction scoping.
package store

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"gridshard/server/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS zones (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	width      INTEGER NOT NULL,
	height     INTEGER NOT NULL,
	metadata   BLOB,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	zone_id    TEXT NOT NULL REFERENCES zones(id) ON DELETE CASCADE,
	x          INTEGER NOT NULL,
	y          INTEGER NOT NULL,
	width      INTEGER NOT NULL DEFAULT 0,
	height     INTEGER NOT NULL DEFAULT 0,
	metadata   BLOB,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_zone ON entities(zone_id);
CREATE TABLE IF NOT EXISTS players (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	player_id  TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
	created_at TEXT NOT NULL,
	expires_at TEXT
);
`

// Store wraps the SQLite database behind the persistence gateway.
type Store struct {
	db     *sql.DB
	logger telemetry.Logger
}

// Open connects to the database named by url and applies the schema.
// url accepts a plain path or a file: DSN; an empty url opens a shared
// in-memory database.
func Open(ctx context.Context, url string, logger telemetry.Logger) (*Store, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	dsn := url
	memory := dsn == ""
	if memory {
		dsn = "file::memory:?cache=shared"
	}
	// Immediate transactions serialize writers up front instead of
	// deadlocking on lock upgrade when zone pipelines run in parallel.
	params := "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	if strings.Contains(dsn, "?") {
		dsn += "&" + params
	} else {
		dsn += "?" + params
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "open database %q", dsn)
	}
	if memory {
		// A shared in-memory database vanishes when its last connection
		// closes; pin the pool to one connection to keep it alive.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "ping database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "apply schema")
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for externally-owned collaborators (auth).
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}
