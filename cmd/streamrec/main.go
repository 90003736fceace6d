// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT

// streamrec continuously records RTSP/RTMP streams into object storage.
//
// Usage:
//
//	streamrec run --config /etc/streamrec/config.yaml
//	streamrec validate --config config.yaml --probe
//	streamrec deadletters list --config config.yaml
//	streamrec ledger verify --path /var/lib/streamrec/ledger.db
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/version"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "streamrec",
		Short:         "Continuous stream recorder",
		Long:          "Record RTSP/RTMP streams as fixed-duration segments and upload them to object storage.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("STREAMREC_CONFIG"), "path to config file (YAML)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "optional .env file loaded before the configuration")

	root.AddCommand(
		newRunCmd(flags),
		newValidateCmd(flags),
		newDeadLettersCmd(flags),
		newLedgerCmd(flags),
		newHealthcheckCmd(),
		newVersionCmd(),
	)
	return root
}

// loadEnvFile loads KEY=VALUE pairs without overriding variables already set
// in the process environment.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadConfig(flags *rootFlags) (config.AppConfig, *config.Loader, error) {
	loader := config.NewLoader(strings.TrimSpace(flags.configPath), version.Version)
	cfg, err := loader.Load()
	if err != nil {
		return cfg, nil, err
	}
	return cfg, loader, nil
}
