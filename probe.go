package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lawdesk/lawdesk-go/internal/sync"
)

// newProbeCmd returns the probe command: classify the backend's readiness
// without mutating anything.
func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether the backend is ready for sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger(false)

			var prober sync.Prober
			if resolvedCfg.Remote.Configured() {
				prober = buildRemoteClient(logger)
			}

			probe := sync.NewSchemaProbe(prober, resolvedCfg.Remote.Configured(), logger)
			result := probe.Run(cmd.Context())

			switch result.Class {
			case sync.ClassReady:
				fmt.Println("Backend ready: all expected tables present.")
				return nil

			case sync.ClassUnconfigured:
				fmt.Println("Remote backend not configured; running local-only.")
				return nil

			case sync.ClassUninitialized:
				return fmt.Errorf("backend schema missing (table %s): %w", result.Table, result.Err)

			default:
				return fmt.Errorf("backend unreachable (%s): %w", result.Class, result.Err)
			}
		},
	}
}
