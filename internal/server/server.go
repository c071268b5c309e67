// Package server provides the worker diagnostics HTTP server with lifecycle
// management: the websocket event feed, health check, and metrics snapshot.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicedesk/voicedesk/internal/metrics"
)

// Server wraps the diagnostics HTTP server with dependencies and lifecycle
// management.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New creates the diagnostics server. events serves the websocket feed,
// snapshot produces the metrics payload.
func New(addr string, events http.Handler, snapshot func() metrics.Snapshot, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", events)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			logger.Warn("failed to write metrics", "error", err)
		}
	})

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      LoggingMiddleware(logger)(mux),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run starts the server and blocks until it stops listening. A server closed
// by Shutdown returns nil.
func (s *Server) Run() error {
	s.logger.Info("diagnostics server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
