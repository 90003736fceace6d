// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/daemon"
	xglog "github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/version"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the recorder daemon",
		Long:  "Start every configured recorder and upload segments until SIGINT or SIGTERM, then drain and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Safe defaults until the configuration has been loaded.
			xglog.Configure(xglog.Config{
				Level:   "info",
				Service: "streamrec",
				Version: version.Version,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, loader, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			xglog.Configure(xglog.Config{
				Level:   cfg.LogLevel,
				Service: cfg.LogService,
				Version: version.Version,
			})
			logger := xglog.WithComponent("daemon")
			logger.Info().
				Str(xglog.FieldEvent, "daemon.starting").
				Str("build", version.String()).
				Str("config", flags.configPath).
				Int("streams", len(cfg.Streams)).
				Msg("starting streamrec")

			holder := config.NewHolder(cfg, loader)
			rt, err := daemon.Build(ctx, cfg, daemon.BuildOptions{
				Owner:        owner,
				ConfigHolder: holder,
			})
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}

			if err := daemon.NewApp(rt, holder).Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("streamrec stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "lease owner identity (defaults to host:pid)")
	return cmd
}
