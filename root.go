package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lawdesk/lawdesk-go/internal/config"
	"github.com/lawdesk/lawdesk-go/internal/remote"
	"github.com/lawdesk/lawdesk-go/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// httpClientTimeout bounds individual requests so a hung connection never
// blocks a command indefinitely. Pass-level budgets live in the engine.
const httpClientTimeout = 30 * time.Second

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lawdesk",
		Short:   "Offline-first legal practice record sync",
		Long:    "Synchronizes the local legal practice record store with its hosted backend.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "local store directory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newProbeCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// (defaults, config file, environment, flags) into resolvedCfg.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		DataDir:    flagDataDir,
	}

	// --verbose and --quiet ride the normal override chain; --quiet wins
	// when both are given.
	if flagVerbose {
		cli.LogLevel = "debug"
	}

	if flagQuiet {
		cli.LogLevel = "error"
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger at the resolved log level; --verbose
// and --quiet were already folded into resolvedCfg by the override chain.
// When rotate is true and log_file is configured, output also lands in the
// rotated file so long watch sessions stay inspectable.
func buildLogger(rotate bool) *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	var out io.Writer = os.Stderr

	if rotate && resolvedCfg != nil && resolvedCfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   resolvedCfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		})
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// buildEngine opens the local store and assembles the engine around the
// resolved config. The caller owns closing the returned store.
func buildEngine(logger *slog.Logger) (*sync.Engine, *sync.Store, error) {
	store, err := sync.NewStore(resolvedCfg.DataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening local store: %w", err)
	}

	cfg := &sync.EngineConfig{
		Store:       store,
		Bucket:      resolvedCfg.Remote.Bucket,
		OwnerID:     resolvedCfg.Remote.OwnerID,
		Configured:  resolvedCfg.Remote.Configured(),
		PassTimeout: resolvedCfg.Sync.PassTimeout.Duration(),
		Logger:      logger,
	}

	if cfg.Configured {
		client := buildRemoteClient(logger)
		cfg.Querier = client
		cfg.Blobs = client
		cfg.Prober = client
	}

	engine, err := sync.NewEngine(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return engine, store, nil
}

// buildRemoteClient assembles the backend adapter from resolved credentials.
func buildRemoteClient(logger *slog.Logger) *remote.Client {
	creds := remote.Credentials{
		APIKey:      resolvedCfg.Remote.APIKey,
		BearerToken: resolvedCfg.Remote.BearerToken,
	}

	httpClient := &http.Client{Timeout: httpClientTimeout}

	return remote.NewClient(resolvedCfg.Remote.Endpoint, creds, httpClient, logger)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
