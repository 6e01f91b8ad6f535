// Package registry tracks live connections and their zone subscriptions.
// All connection-scoped mutations are gated on a process-unique
// connection id so stale handlers can never touch newer sessions.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"gridshard/server/internal/telemetry"
)

const (
	connectionsMetricKey = "registry_connections"
	supersededMetricKey  = "registry_superseded_total"
)

// Sink is the outbound half of a connection. TrySend must be bounded:
// it fails rather than blocking the caller indefinitely.
type Sink interface {
	TrySend(data []byte) error
	Close()
}

// ErrStaleConnection is returned when an operation presents a connection
// id that no longer matches the stored binding.
var ErrStaleConnection = errors.New("registry: stale connection id")

// ErrNotRegistered is returned when no connection exists for the player.
var ErrNotRegistered = errors.New("registry: player not registered")

type connection struct {
	playerID     string
	connectionID uint64
	zoneID       string
	sink         Sink
}

// Subscriber is the fanout view of one zone subscription.
type Subscriber struct {
	PlayerID     string
	ConnectionID uint64
	Sink         Sink
}

// ConnectionInfo is the read-only inspection view of one connection.
type ConnectionInfo struct {
	PlayerID     string `json:"playerId"`
	ConnectionID uint64 `json:"connectionId"`
	ZoneID       string `json:"zoneId,omitempty"`
}

// Registry is process-wide shared state: connections keyed by player and
// a zone reverse index. Mutations are serialized under one lock; reads
// return snapshots.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*connection
	zones       map[string]map[string]struct{}
	nextID      atomic.Uint64
	logger      telemetry.Logger
	metrics     telemetry.Metrics
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger telemetry.Logger, metrics telemetry.Metrics) *Registry {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Registry{
		connections: make(map[string]*connection),
		zones:       make(map[string]map[string]struct{}),
		logger:      logger,
		metrics:     metrics,
	}
}

// Register installs a new connection for the player and returns its
// fresh connection id. A prior connection for the same player is
// unregistered atomically and its sink closed best-effort afterwards.
func (r *Registry) Register(playerID string, sink Sink) uint64 {
	id := r.nextID.Add(1)

	r.mu.Lock()
	var superseded Sink
	if prior, ok := r.connections[playerID]; ok {
		superseded = prior.sink
		r.removeLocked(prior)
		if r.metrics != nil {
			r.metrics.Add(supersededMetricKey, 1)
		}
	}
	r.connections[playerID] = &connection{
		playerID:     playerID,
		connectionID: id,
		sink:         sink,
	}
	r.storeGaugeLocked()
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Printf("superseding connection for player %s", playerID)
		superseded.Close()
	}
	return id
}

// Subscribe moves the connection into the target zone, removing it from
// any prior zone. It fails when the stored connection id does not match.
func (r *Registry) Subscribe(playerID string, connectionID uint64, zoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[playerID]
	if !ok {
		return ErrNotRegistered
	}
	if conn.connectionID != connectionID {
		return ErrStaleConnection
	}

	if conn.zoneID != "" {
		r.unindexLocked(conn.zoneID, playerID)
	}
	conn.zoneID = zoneID
	members, ok := r.zones[zoneID]
	if !ok {
		members = make(map[string]struct{})
		r.zones[zoneID] = members
	}
	members[playerID] = struct{}{}
	return nil
}

// Disconnect removes the binding only if the stored connection id
// matches; otherwise it is a no-op. Idempotent by construction.
func (r *Registry) Disconnect(playerID string, connectionID uint64) bool {
	r.mu.Lock()
	conn, ok := r.connections[playerID]
	if !ok || conn.connectionID != connectionID {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(conn)
	r.storeGaugeLocked()
	sink := conn.sink
	r.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
	return true
}

// SubscribedZone reports the zone the connection is currently bound to.
func (r *Registry) SubscribedZone(playerID string, connectionID uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[playerID]
	if !ok || conn.connectionID != connectionID || conn.zoneID == "" {
		return "", false
	}
	return conn.zoneID, true
}

// SubscribedZoneIDs snapshots all zones with at least one subscriber.
func (r *Registry) SubscribedZoneIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.zones))
	for id, members := range r.zones {
		if len(members) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Subscribers snapshots the fanout list for one zone.
func (r *Registry) Subscribers(zoneID string) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.zones[zoneID]
	if !ok {
		return nil
	}
	subs := make([]Subscriber, 0, len(members))
	for playerID := range members {
		conn, ok := r.connections[playerID]
		if !ok {
			continue
		}
		subs = append(subs, Subscriber{
			PlayerID:     conn.playerID,
			ConnectionID: conn.connectionID,
			Sink:         conn.sink,
		})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].PlayerID < subs[j].PlayerID })
	return subs
}

// Snapshot returns the inspection view of every connection.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]ConnectionInfo, 0, len(r.connections))
	for _, conn := range r.connections {
		infos = append(infos, ConnectionInfo{
			PlayerID:     conn.playerID,
			ConnectionID: conn.connectionID,
			ZoneID:       conn.zoneID,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PlayerID < infos[j].PlayerID })
	return infos
}

func (r *Registry) removeLocked(conn *connection) {
	if conn.zoneID != "" {
		r.unindexLocked(conn.zoneID, conn.playerID)
	}
	delete(r.connections, conn.playerID)
}

func (r *Registry) unindexLocked(zoneID, playerID string) {
	members, ok := r.zones[zoneID]
	if !ok {
		return
	}
	delete(members, playerID)
	if len(members) == 0 {
		delete(r.zones, zoneID)
	}
}

func (r *Registry) storeGaugeLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.Store(connectionsMetricKey, uint64(len(r.connections)))
}
