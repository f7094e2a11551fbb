// Package api serves a read-only observability window over the bridge:
// health, metrics, and registry contents. It never dispatches tool calls.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/agentbridge/internal/metrics"
	"github.com/mattjoyce/agentbridge/internal/protocol"
	"github.com/mattjoyce/agentbridge/internal/registry"
)

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP observability server.
type Server struct {
	config    Config
	metrics   *metrics.Registry
	registry  *registry.Registry
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Server instance.
func New(config Config, m *metrics.Registry, reg *registry.Registry, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		metrics:   m,
		registry:  reg,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/tools", s.handleTools)

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("observability API listening", "addr", s.config.Listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.metrics.Health()
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"health":         health,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.metrics.Snapshot(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.ToolsListResult{Tools: s.registry.List()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
