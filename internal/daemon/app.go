// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/ManuGH/streamrec/internal/recorder"
	"github.com/rs/zerolog"
)

// App owns the long-lived runtime lifecycle: config watching, reload wiring
// and the component manager.
type App struct {
	logger       zerolog.Logger
	runtime      *Runtime
	cfgHolder    *config.Holder
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. cfgHolder may be nil.
func NewApp(rt *Runtime, cfgHolder *config.Holder) *App {
	return &App{
		logger:       log.WithComponent("daemon"),
		runtime:      rt,
		cfgHolder:    cfgHolder,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run applies the configured streams, starts every component and blocks until
// ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.apply(ctx, a.runtime.Config); err != nil {
		return fmt.Errorf("apply streams: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfgHolder != nil {
		// The watcher is best-effort: startup does not fail without it.
		if err := a.cfgHolder.StartWatcher(gctx); err != nil {
			a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
		}
		defer a.cfgHolder.Stop()

		applyCh := make(chan config.AppConfig, 1)
		a.cfgHolder.RegisterListener(applyCh)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case cfg := <-applyCh:
					if err := a.apply(gctx, cfg); err != nil {
						a.logger.Error().Err(err).Str(log.FieldEvent, "config.apply_failed").Msg("failed to apply reloaded configuration")
					}
				}
			}
		})

		if a.reloadSignal != nil {
			g.Go(func() error {
				hupChan := make(chan os.Signal, 1)
				signal.Notify(hupChan, a.reloadSignal)
				defer signal.Stop(hupChan)

				for {
					select {
					case <-gctx.Done():
						return nil
					case <-hupChan:
						a.logger.Info().
							Str(log.FieldEvent, "config.reload_signal").
							Str("signal", a.reloadSignal.String()).
							Msg("received reload signal, reloading config")
						if err := a.cfgHolder.Reload(gctx); err != nil {
							a.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("config reload failed")
						}
					}
				}
			})
		}
	}

	g.Go(func() error { return a.runtime.Manager.Start(gctx) })
	return g.Wait()
}

// apply pushes the live-reloadable parts of cfg into the running daemon.
func (a *App) apply(ctx context.Context, cfg config.AppConfig) error {
	rt := a.runtime
	if config.RestartRequired(rt.Config, cfg) {
		a.logger.Warn().Str(log.FieldEvent, "config.restart_required").
			Msg("configuration changes outside streams and recording take effect after restart")
	}
	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	rt.Registry.SetOptions(recorder.OptionsFromConfig(cfg))
	if err := rt.Registry.Apply(ctx, cfg.Streams); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ConfigReloadsTotal.WithLabelValues("success").Inc()
	a.logger.Info().Str(log.FieldEvent, "config.applied").Int("streams", len(cfg.Streams)).Msg("stream configuration applied")
	return nil
}
