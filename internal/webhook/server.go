package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the webhook endpoint, the status stream, the console stream,
// and metrics.
type Server struct {
	server *http.Server
	hub    *StatusHub
	logger *slog.Logger
}

// NewServer wires the routes. consoleWS is the console hub's upgrade
// handler; nil disables the route.
func NewServer(listenAddr string, dispatcher *Dispatcher, hub *StatusHub, consoleWS http.HandlerFunc, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/webhook", dispatcher)
	mux.HandleFunc("/ws/status", hub.HandleWS)
	if consoleWS != nil {
		mux.HandleFunc("/ws/console", consoleWS)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		server: server,
		hub:    hub,
		logger: logger.With("component", "http_server"),
	}
}

// Start runs the hub and the HTTP listener, blocking until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("http server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
