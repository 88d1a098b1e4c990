package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/lawdesk/lawdesk-go/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of the last reconciliation pass",
		Long: `Display the last pass report: backend classification, per-table
counters, document transfers, and any per-table issues.

Reads the local store only; nothing is sent to the backend.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(false)

	store, err := sync.NewStore(resolvedCfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer store.Close()

	report, err := sync.LastReport(cmd.Context(), store)
	if err != nil {
		return err
	}

	if report == nil {
		if !resolvedCfg.Remote.Configured() {
			fmt.Println("No passes yet. Remote backend not configured; running local-only.")
		} else {
			fmt.Println("No passes yet. Run 'lawdesk sync' to start.")
		}

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

// formatReport renders a pass report for humans. Color is applied only when
// stdout is a terminal.
func formatReport(report *sync.SyncReport) string {
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	var b strings.Builder

	finished := time.Unix(0, report.FinishedAt)
	fmt.Fprintf(&b, "Last pass:  %s (%s)\n", finished.Format(time.RFC3339), report.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "Backend:    %s\n", colorClass(string(report.Class), tty))

	// Per-table counters, only for tables that saw any activity.
	tables := make([]string, 0, len(report.Tables))
	for table := range report.Tables {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	active := false

	for _, table := range tables {
		tc := report.Tables[table]
		if tc.Pulled == 0 && tc.Merged == 0 && tc.Uploaded == 0 && tc.Deleted == 0 && tc.Skipped == 0 {
			continue
		}

		if !active {
			fmt.Fprintf(&b, "\n%-22s %8s %8s %8s %8s %8s\n", "table", "pulled", "merged", "uploaded", "deleted", "skipped")
			active = true
		}

		fmt.Fprintf(&b, "%-22s %8d %8d %8d %8d %8d\n",
			table, tc.Pulled, tc.Merged, tc.Uploaded, tc.Deleted, tc.Skipped)
	}

	if !active {
		b.WriteString("\nNo table activity.\n")
	}

	if report.DocsDownloaded+report.DocsUploaded+report.DocsDeleted > 0 {
		fmt.Fprintf(&b, "\nDocuments:  %d downloaded, %d uploaded, %d removed\n",
			report.DocsDownloaded, report.DocsUploaded, report.DocsDeleted)
	}

	if len(report.Issues) > 0 {
		fmt.Fprintf(&b, "\nIssues (%d):\n", len(report.Issues))

		for _, issue := range report.Issues {
			fmt.Fprintf(&b, "  %-22s %s\n", issue.Table, issue.Message)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// colorClass highlights the backend classification on terminals.
func colorClass(class string, tty bool) string {
	if !tty {
		return class
	}

	switch class {
	case string(sync.ClassReady):
		return "\033[32m" + class + "\033[0m"
	case string(sync.ClassUnconfigured):
		return "\033[33m" + class + "\033[0m"
	default:
		return "\033[31m" + class + "\033[0m"
	}
}
