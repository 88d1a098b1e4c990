package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lawdesk/lawdesk-go/internal/sync"
)

// newSyncCmd returns the one-shot sync command: run one full reconciliation
// pass and print its report.
func newSyncCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger(false)

			if timeout > 0 {
				resolvedCfg.Sync.SetPassTimeout(timeout)
			}

			engine, store, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := engine.Sync(cmd.Context())

			switch {
			case errors.Is(err, sync.ErrUnconfigured):
				fmt.Fprintln(os.Stderr, "Remote backend not configured; running local-only. Set remote.endpoint to enable sync.")
				return nil

			case errors.Is(err, sync.ErrUninitialized):
				return fmt.Errorf("backend schema is not initialized; apply the backend migrations first: %w", err)

			case err != nil:
				return err
			}

			return printReport(report)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the pass timeout from config")

	return cmd
}

// printReport renders a pass report as JSON or a human summary.
func printReport(report *sync.SyncReport) error {
	if report == nil {
		fmt.Println("No report.")
		return nil
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	fmt.Println(formatReport(report))

	return nil
}
