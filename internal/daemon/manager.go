// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/streamrec/internal/log"
	"github.com/rs/zerolog"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// RunFunc is a long-running component. It must return once ctx is done.
type RunFunc func(ctx context.Context) error

// Manager runs the daemon's long-lived components and tears them down in
// reverse dependency order.
type Manager struct {
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	mu            sync.Mutex
	runners       []namedRunner
	shutdownHooks []namedHook
	started       bool
	stopping      bool
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type namedRunner struct {
	name string
	run  RunFunc
}

// NewManager creates a manager whose shutdown is bounded by shutdownTimeout.
func NewManager(shutdownTimeout time.Duration) *Manager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Manager{
		shutdownTimeout: shutdownTimeout,
		logger:          log.WithComponent("daemon"),
	}
}

// Go registers a component started by Start. A component returning an error
// before shutdown triggers shutdown of the whole daemon.
func (m *Manager) Go(name string, run RunFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = append(m.runners, namedRunner{name: name, run: run})
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
// Hooks are executed in reverse registration order (LIFO).
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// Start launches every registered component and blocks until ctx is
// cancelled or a component fails, then shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrManagerStarted
	}
	m.started = true
	runners := append([]namedRunner(nil), m.runners...)
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, len(runners))
	for _, r := range runners {
		go func() {
			err := r.run(runCtx)
			if err != nil && runCtx.Err() == nil {
				m.logger.Error().Err(err).
					Str(log.FieldEvent, "daemon.component_failed").
					Str(log.FieldComponent, r.name).
					Msg("component failed")
				errChan <- fmt.Errorf("%s: %w", r.name, err)
			}
		}()
	}

	m.logger.Info().Str(log.FieldEvent, "daemon.started").Int("components", len(runners)).Msg("daemon started")

	// Shutdown uses a detached-but-bounded context so it completes after ctx is cancelled.
	shutdownCtx := context.WithoutCancel(ctx)
	select {
	case err := <-errChan:
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("component error and shutdown failure: %w", errors.Join(err, shutdownErr))
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Str(log.FieldEvent, "daemon.shutdown_signal").Msg("shutdown signal received")
		return m.Shutdown(shutdownCtx)
	}
}

// Shutdown runs the shutdown hooks once, in reverse registration order.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	m.mu.Unlock()

	m.logger.Info().Str(log.FieldEvent, "daemon.shutdown_start").Msg("shutting down")
	if err := m.runHooks(ctx); err != nil {
		return err
	}
	m.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("daemon stopped cleanly")
	return nil
}

// runHooks executes the registered hooks in reverse order under the shutdown
// timeout and joins their errors.
func (m *Manager) runHooks(ctx context.Context) error {
	m.mu.Lock()
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Error().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
