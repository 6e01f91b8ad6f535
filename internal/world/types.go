// Package world defines the framework-owned simulation state: zones,
// entities, intents, and the delta types returned by game modules.
package world

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Zone is a uniquely named rectangular region. Zones are created and
// destroyed through the administrative path and never move.
type Zone struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Entity is a positioned object belonging to exactly one zone for its
// lifetime. Metadata is opaque to the framework.
type Entity struct {
	ID        string          `json:"id"`
	ZoneID    string          `json:"zoneId"`
	X         int             `json:"x"`
	Y         int             `json:"y"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NewID issues a fresh identifier for zones and entities.
func NewID() string {
	return uuid.NewString()
}

// PositionValid reports whether a point lies inside the zone.
func (z Zone) PositionValid(x, y int) bool {
	return x >= 0 && y >= 0 && x < z.Width && y < z.Height
}

// EntityInBounds reports whether an entity footprint fits inside the zone.
// Zero-dimension entities (markers, equipment) only need a valid position.
func (z Zone) EntityInBounds(x, y, width, height int) bool {
	if width == 0 && height == 0 {
		return z.PositionValid(x, y)
	}
	return x >= 0 && y >= 0 && x < z.Width && y < z.Height &&
		x+width <= z.Width && y+height <= z.Height
}

// Intent is an opaque player-originated command targeting one zone. The
// connection id records provenance so stale handlers can be identified.
type Intent struct {
	PlayerID     string          `json:"playerId"`
	ConnectionID uint64          `json:"connectionId"`
	ZoneID       string          `json:"zoneId"`
	Data         json.RawMessage `json:"data"`
	EnqueuedAt   time.Time       `json:"-"`
}

// EntityCreate describes a new entity to persist.
type EntityCreate struct {
	X        int             `json:"x"`
	Y        int             `json:"y"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// EntityUpdate describes sparse changes to an existing entity. Only
// non-nil fields are applied.
type EntityUpdate struct {
	ID       string           `json:"id"`
	X        *int             `json:"x,omitempty"`
	Y        *int             `json:"y,omitempty"`
	Width    *int             `json:"width,omitempty"`
	Height   *int             `json:"height,omitempty"`
	Metadata *json.RawMessage `json:"metadata,omitempty"`
}

// TickResult is the game module's return value for one (zone, tick):
// entity deltas plus an opaque extras payload. Entity authority stays
// with the framework; extras must not carry an entity snapshot.
type TickResult struct {
	Creates []EntityCreate
	Updates []EntityUpdate
	Deletes []string
	Extras  json.RawMessage
}

// Empty reports whether the result carries no deltas and no extras.
func (r TickResult) Empty() bool {
	return len(r.Creates) == 0 && len(r.Updates) == 0 && len(r.Deletes) == 0 && len(r.Extras) == 0
}

// BaseState is the framework-composed per-zone payload handed to the
// per-player filter each tick.
type BaseState struct {
	ZoneID     string          `json:"zoneId"`
	TickNumber uint64          `json:"tickNumber"`
	Entities   []Entity        `json:"entities"`
	Extras     json.RawMessage `json:"extras,omitempty"`
}
