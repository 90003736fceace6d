// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/persistence/sqlite"
)

var errLedgerCorrupt = errors.New("ledger integrity check failed")

// addLedgerFlags registers overrides for the configured ledger location so the
// commands also work against a copied database without a config file.
func addLedgerFlags(cmd *cobra.Command, backend, path *string) {
	cmd.Flags().StringVar(backend, "backend", "", "ledger backend (sqlite, badger); defaults to the configured one")
	cmd.Flags().StringVar(path, "path", "", "ledger path; defaults to the configured one")
}

// resolveLedger returns the backend and path to operate on. The config is
// only loaded when a value was not given on the command line.
func resolveLedger(flags *rootFlags, backend, path string) (string, string, error) {
	if backend != "" && path != "" {
		return backend, path, nil
	}
	if backend == "" && path != "" {
		return "sqlite", path, nil
	}
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return "", "", fmt.Errorf("load config: %w", err)
	}
	if backend == "" {
		backend = cfg.Ledger.Backend
	}
	if path == "" {
		path = cfg.Ledger.Path
	}
	if backend == "memory" {
		return "", "", errors.New("memory ledger has no persistent state to inspect")
	}
	return backend, path, nil
}

func openLedger(cmd *cobra.Command, flags *rootFlags, backend, path string) (ledger.Store, error) {
	backend, path, err := resolveLedger(flags, backend, path)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(cmd.Context(), backend, path)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger at %s: %w", backend, path, err)
	}
	return store, nil
}

func newLedgerCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Maintain the durable ledger",
	}
	cmd.AddCommand(newLedgerVerifyCmd(flags))
	return cmd
}

func newLedgerVerifyCmd(flags *rootFlags) *cobra.Command {
	var (
		path string
		full bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run an integrity check on the SQLite ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, path, err := resolveLedger(flags, "", path)
			if err != nil {
				return err
			}
			if backend != "sqlite" {
				return fmt.Errorf("integrity check is only supported for sqlite, ledger backend is %s", backend)
			}

			mode := "quick"
			if full {
				mode = "full"
			}
			issues, err := sqlite.VerifyIntegrity(cmd.Context(), path, mode)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintf(out, "  %s\n", issue)
				}
				return fmt.Errorf("%w: %d issue(s) in %s", errLedgerCorrupt, len(issues), path)
			}
			fmt.Fprintf(out, "ledger ok (%s check): %s\n", mode, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "sqlite ledger path; defaults to the configured one")
	cmd.Flags().BoolVar(&full, "full", false, "run the full integrity_check instead of quick_check")
	return cmd
}
