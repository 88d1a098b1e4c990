package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lawdesk/lawdesk-go/internal/sync"
)

// newWatchCmd returns the continuous sync command: periodic passes plus
// passes triggered by backend change notifications and outbox drops.
func newWatchCmd() *cobra.Command {
	var noOutbox bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run continuous sync until interrupted",
		Long: `Run reconciliation passes continuously: one immediately, one per poll
interval, and one shortly after the backend announces a change.

Files dropped under <data-dir>/outbox/<caseID>/ are imported as case
documents and pushed on the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger(true)

			engine, store, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := sync.WatchOptions{
				PollInterval: resolvedCfg.Sync.PollInterval.Duration(),
			}

			if resolvedCfg.Remote.Configured() {
				opts.Listener = buildRemoteClient(logger)
			}

			if !noOutbox {
				opts.OutboxDir = filepath.Join(resolvedCfg.DataDir, "outbox")
			}

			return engine.Watch(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&noOutbox, "no-outbox", false, "disable the attachment outbox directory")

	return cmd
}
