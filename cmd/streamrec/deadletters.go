// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/streamrec/internal/ledger"
)

func newDeadLettersCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "Inspect segments whose upload terminally failed",
	}
	cmd.AddCommand(newDeadLettersListCmd(flags), newDeadLettersDeleteCmd(flags))
	return cmd
}

func newDeadLettersListCmd(flags *rootFlags) *cobra.Command {
	var (
		stream  string
		asJSON  bool
		backend string
		path    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openLedger(cmd, flags, backend, path)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListDeadLetters(cmd.Context(), stream)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if items == nil {
					items = []ledger.DeadLetter{}
				}
				return enc.Encode(items)
			}
			return printDeadLetters(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "", "only list records for this stream")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	addLedgerFlags(cmd, &backend, &path)
	return cmd
}

func newDeadLettersDeleteCmd(flags *rootFlags) *cobra.Command {
	var backend, path string

	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete dead-letter records after manual handling",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(cmd, flags, backend, path)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.DeleteDeadLetter(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
	addLedgerFlags(cmd, &backend, &path)
	return cmd
}

func printDeadLetters(w io.Writer, items []ledger.DeadLetter) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "no dead letters")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTREAM\tSEQ\tKIND\tATTEMPTS\tBYTES\tCREATED\tKEY")
	for _, dl := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			dl.ID, dl.Stream, dl.Sequence, dl.Kind, dl.Attempts, dl.Bytes,
			dl.CreatedAt.UTC().Format(time.RFC3339), dl.Key)
	}
	return tw.Flush()
}
