// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/streamrec/internal/daemon"
	"github.com/ManuGH/streamrec/internal/storage"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	var (
		probe        bool
		probeTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long:  "Parse the configuration strictly, apply environment overrides and validate it. With --probe the storage bucket is checked as well.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			cfg, _, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("configuration error in %q: %w", flags.configPath, err)
			}
			fmt.Fprintf(out, "configuration valid: %d stream(s), storage=%s, ledger=%s\n",
				len(cfg.Streams), storageBackend(cfg.Storage.Backend), cfg.Ledger.Backend)

			if !probe {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()

			store, err := daemon.OpenStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			switch err := storage.Probe(ctx, store); {
			case err == nil:
				fmt.Fprintln(out, "storage reachable")
				return nil
			case errors.Is(err, storage.ErrInvalidAuth):
				return fmt.Errorf("storage rejected credentials or bucket: %w", err)
			default:
				return fmt.Errorf("storage unreachable: %w", err)
			}
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "also check that the storage bucket is reachable")
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 10*time.Second, "storage probe timeout")
	return cmd
}

func storageBackend(name string) string {
	if name == "" {
		return "s3"
	}
	return name
}
