// Package api serves the operator HTTP surface: a liveness endpoint, a
// JSON status report, and a WebSocket event stream. It is read-only; all
// control goes through the Telegram commands.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the HTTP/WebSocket status surface.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the status server on the given port.
func NewServer(port int, provider StatusProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Broadcast pushes an event to every connected stream client.
func (s *Server) Broadcast(evt Event) {
	s.hub.BroadcastEvent(evt)
}
