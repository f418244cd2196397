package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(provider StatusProvider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// isOriginAllowed admits same-host and local origins only. The status
// surface is an operator tool, not a public API.
func isOriginAllowed(origin, reqHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".localhost")
}

// HandleHealth returns a liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the full engine status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.provider.Status(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and streams events, starting
// with a status snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	initial := newEvent("status", h.provider.Status(r.Context()))
	data, err := json.Marshal(initial)
	if err != nil {
		h.logger.Error("failed to marshal initial status", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial status to client")
	}
}
