// Package ws owns the push-channel message boundary: handshake
// authentication, connection registration, and the per-connection read
// loop that feeds the intent queue and the subscription registry.
package ws

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"gridshard/server/internal/auth"
	"gridshard/server/internal/intent"
	"gridshard/server/internal/net/proto"
	"gridshard/server/internal/registry"
	"gridshard/server/internal/store"
	"gridshard/server/internal/telemetry"
	"gridshard/server/internal/world"
)

const (
	readLimit   = 1 << 20 // 1MB
	readTimeout = 60 * time.Second
)

const (
	intentsMetricKey       = "ws_intents_total"
	intentsDroppedMetric   = "ws_intents_dropped_total"
	connectionsMetricKey   = "ws_connections_total"
	protocolErrorMetricKey = "ws_protocol_errors_total"
)

// HandlerConfig tunes the per-connection resources.
type HandlerConfig struct {
	SendBuffer          int
	WriteTimeout        time.Duration
	IntentRatePerSecond int
}

// Handler upgrades connections and runs their message loops.
type Handler struct {
	auth     auth.Authenticator
	registry *registry.Registry
	queue    *intent.Queue
	store    *store.Store
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler wires the ingress boundary to its collaborators.
func NewHandler(a auth.Authenticator, r *registry.Registry, q *intent.Queue, s *store.Store,
	cfg HandlerConfig, logger telemetry.Logger, metrics telemetry.Metrics) *Handler {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 64
	}
	if cfg.IntentRatePerSecond < 1 {
		cfg.IntentRatePerSecond = 30
	}
	return &Handler{
		auth:     a,
		registry: r,
		queue:    q,
		store:    s,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *nethttp.Request) bool { return true },
		},
	}
}

// Handle authenticates the handshake, registers the connection, and
// runs the read loop until the client goes away.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	playerID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		nethttp.Error(w, "invalid session token", nethttp.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for player %s: %v", playerID, err)
		return
	}

	sink := NewSink(conn, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	go sink.Run()

	connectionID := h.registry.Register(playerID, sink)
	if h.metrics != nil {
		h.metrics.Add(connectionsMetricKey, 1)
	}
	h.logger.Printf("player %s connected (connection %d)", playerID, connectionID)

	// This scope owns the disconnect path. Inner routines report errors
	// upward; only this deferred call unregisters, and only with its own
	// connection id, so a newer session is never touched.
	defer func() {
		h.registry.Disconnect(playerID, connectionID)
		sink.Close()
		h.logger.Printf("player %s disconnected (connection %d)", playerID, connectionID)
	}()

	limiter := rate.NewLimiter(rate.Limit(h.cfg.IntentRatePerSecond), h.cfg.IntentRatePerSecond)
	h.readLoop(r.Context(), conn, sink, playerID, connectionID, limiter)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sink *Sink,
	playerID string, connectionID uint64, limiter *rate.Limiter) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg proto.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Unparseable input is a protocol violation: close.
			if h.metrics != nil {
				h.metrics.Add(protocolErrorMetricKey, 1)
			}
			closeMsg := websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "invalid json")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		}

		switch msg.Type {
		case proto.TypeSubscribe:
			h.handleSubscribe(ctx, sink, playerID, connectionID, msg.ZoneID)
		case proto.TypeIntent:
			h.handleIntent(sink, playerID, connectionID, msg.Data, limiter)
		default:
			h.sendError(sink, "unknown message type: "+msg.Type)
		}
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, sink *Sink, playerID string, connectionID uint64, zoneID string) {
	if zoneID == "" {
		h.sendError(sink, "missing zone_id")
		return
	}

	// Validate the zone through the same transactional read path the
	// tick pipeline uses.
	err := h.store.View(ctx, func(tx *store.Tx) error {
		_, err := tx.Zone(ctx, zoneID)
		return err
	})
	if err != nil {
		if store.IsNotFound(err) {
			h.sendError(sink, "zone not found")
		} else {
			h.logger.Printf("zone lookup failed for %s: %v", zoneID, err)
			h.sendError(sink, "zone lookup failed")
		}
		return
	}

	if err := h.registry.Subscribe(playerID, connectionID, zoneID); err != nil {
		h.sendError(sink, "subscribe failed")
		return
	}
	h.send(sink, proto.SubscribedMessage{Type: proto.TypeSubscribed, ZoneID: zoneID})
}

func (h *Handler) handleIntent(sink *Sink, playerID string, connectionID uint64,
	data json.RawMessage, limiter *rate.Limiter) {
	if len(data) == 0 {
		h.sendError(sink, "missing intent data")
		return
	}
	if !limiter.Allow() {
		if h.metrics != nil {
			h.metrics.Add(intentsDroppedMetric, 1)
		}
		h.sendError(sink, "intent rate limit exceeded")
		return
	}

	zoneID, ok := h.registry.SubscribedZone(playerID, connectionID)
	if !ok {
		h.sendError(sink, "must subscribe to a zone first")
		return
	}

	err := h.queue.Enqueue(world.Intent{
		PlayerID:     playerID,
		ConnectionID: connectionID,
		ZoneID:       zoneID,
		Data:         data,
		EnqueuedAt:   time.Now(),
	})
	if err != nil {
		if h.metrics != nil {
			h.metrics.Add(intentsDroppedMetric, 1)
		}
		h.sendError(sink, "intent queue full, retry later")
		return
	}
	if h.metrics != nil {
		h.metrics.Add(intentsMetricKey, 1)
	}

	// The enqueue above completed durably; only now may the client see
	// the acknowledgement.
	h.send(sink, proto.IntentReceivedMessage{Type: proto.TypeIntentReceived})
}

func (h *Handler) send(sink *Sink, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("failed to marshal reply: %v", err)
		return
	}
	if err := sink.TrySend(data); err != nil {
		h.logger.Printf("failed to stage reply: %v", err)
	}
}

func (h *Handler) sendError(sink *Sink, message string) {
	h.send(sink, proto.NewError(message))
}
