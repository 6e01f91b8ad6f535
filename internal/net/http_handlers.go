// Package net exposes the HTTP surface: auth endpoints, the
// administrative tick controls, and read-only inspection routes.
package net

import (
	"encoding/json"
	"errors"
	"net/http"

	"gridshard/server/internal/auth"
	"gridshard/server/internal/engine"
	"gridshard/server/internal/registry"
	"gridshard/server/internal/store"
	"gridshard/server/internal/telemetry"
)

// RouterConfig carries the collaborators the HTTP surface talks to.
type RouterConfig struct {
	Auth      *auth.Service
	Store     *store.Store
	Engine    *engine.Engine
	Registry  *registry.Registry
	Counters  *telemetry.Counters
	Logger    telemetry.Logger
	WSHandler http.HandlerFunc
}

// NewRouter assembles the HTTP mux.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	h := &httpHandlers{cfg: cfg}

	mux := http.NewServeMux()
	if cfg.WSHandler != nil {
		mux.HandleFunc("GET /ws", cfg.WSHandler)
	}
	mux.HandleFunc("POST /auth/register", h.register)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("GET /admin/zones", h.listZones)
	mux.HandleFunc("POST /admin/zones", h.createZone)
	mux.HandleFunc("DELETE /admin/zones/{id}", h.deleteZone)
	mux.HandleFunc("GET /admin/zones/{id}/entities", h.zoneEntities)
	mux.HandleFunc("GET /admin/tick", h.tickStatus)
	mux.HandleFunc("POST /admin/tick/pause", h.pause)
	mux.HandleFunc("POST /admin/tick/resume", h.resume)
	mux.HandleFunc("POST /admin/tick/step", h.step)
	mux.HandleFunc("GET /admin/subscriptions", h.subscriptions)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", h.metrics)
	return mux
}

type httpHandlers struct {
	cfg RouterConfig
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *httpHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	playerID, err := h.cfg.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "username taken")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"player_id": playerID})
}

func (h *httpHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	token, err := h.cfg.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.cfg.Logger.Printf("login failed: %v", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type createZoneRequest struct {
	Name     string          `json:"name"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Metadata json.RawMessage `json:"metadata"`
}

func (h *httpHandlers) createZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" || req.Width <= 0 || req.Height <= 0 {
		writeError(w, http.StatusBadRequest, "name required and dimensions must be positive")
		return
	}
	zone, err := h.cfg.Store.CreateZone(r.Context(), req.Name, req.Width, req.Height, req.Metadata)
	if err != nil {
		if store.IsConflict(err) {
			writeError(w, http.StatusConflict, "zone name already exists")
			return
		}
		h.cfg.Logger.Printf("create zone failed: %v", err)
		writeError(w, http.StatusInternalServerError, "create zone failed")
		return
	}
	writeJSON(w, http.StatusCreated, zone)
}

func (h *httpHandlers) listZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.cfg.Store.ListZones(r.Context())
	if err != nil {
		h.cfg.Logger.Printf("list zones failed: %v", err)
		writeError(w, http.StatusInternalServerError, "list zones failed")
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (h *httpHandlers) deleteZone(w http.ResponseWriter, r *http.Request) {
	err := h.cfg.Store.DeleteZone(r.Context(), r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "zone not found")
			return
		}
		h.cfg.Logger.Printf("delete zone failed: %v", err)
		writeError(w, http.StatusInternalServerError, "delete zone failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) zoneEntities(w http.ResponseWriter, r *http.Request) {
	zone, entities, err := h.cfg.Store.ZoneEntities(r.Context(), r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "zone not found")
			return
		}
		h.cfg.Logger.Printf("zone inspection failed: %v", err)
		writeError(w, http.StatusInternalServerError, "zone inspection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zone": zone, "entities": entities})
}

func (h *httpHandlers) tickStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       h.cfg.Engine.State().String(),
		"tick_number": h.cfg.Engine.TickNumber(),
		"recent":      h.cfg.Engine.RecentStats(),
	})
}

func (h *httpHandlers) pause(w http.ResponseWriter, r *http.Request) {
	h.cfg.Engine.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"state": h.cfg.Engine.State().String()})
}

func (h *httpHandlers) resume(w http.ResponseWriter, r *http.Request) {
	h.cfg.Engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"state": h.cfg.Engine.State().String()})
}

func (h *httpHandlers) step(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Engine.Step() {
		writeError(w, http.StatusConflict, "step requires the engine to be paused")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": h.cfg.Engine.State().String()})
}

func (h *httpHandlers) subscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Registry.Snapshot())
}

func (h *httpHandlers) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Counters.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
