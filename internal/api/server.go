// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the HTTP control surface of the recorder daemon.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/health"
	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/recorder"
	"github.com/rs/zerolog"
)

// Recorders is the registry surface the API drives.
type Recorders interface {
	List() []recorder.Status
	Status(name string) (recorder.Status, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// ConfigHolder reloads and exposes the active configuration.
type ConfigHolder interface {
	Get() config.AppConfig
	Reload(ctx context.Context) error
}

// Deps are the collaborators of the API server.
type Deps struct {
	Recorders Recorders
	Ledger    ledger.Store
	// Config enables POST /api/v1/config/reload. Nil answers 501.
	Config ConfigHolder
	// Health serves /healthz and /readyz. Nil serves a bare liveness probe.
	Health *health.Manager
}

// Server is the HTTP control surface.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	logger zerolog.Logger

	mu      sync.Mutex
	handler http.Handler
	httpSrv *http.Server
}

// New constructs a Server. Routes are built lazily on first use.
func New(cfg config.APIConfig, deps Deps) *Server {
	if deps.Health == nil {
		deps.Health = health.NewManager("")
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("api"),
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		s.handler = s.routes()
	}
	return s.handler
}

// ListenAndServe serves on the configured address until Shutdown.
// It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.handler == nil {
		s.handler = s.routes()
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info().
		Str(log.FieldEvent, "api.listening").
		Str("addr", s.cfg.ListenAddr).
		Msg("control API listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
