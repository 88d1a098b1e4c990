// Package config loads and resolves lawdesk-go configuration from its TOML
// config file, environment variables, and CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default values applied before the config file is read.
const (
	defaultLogLevel     = "info"
	defaultBucket       = "case-documents"
	defaultPassTimeout  = 10 * time.Minute
	defaultPollInterval = 5 * time.Minute
)

// Config is the on-disk TOML configuration shape.
type Config struct {
	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`

	DataDir  string `toml:"data_dir"`  // local store + blob cache directory
	LogLevel string `toml:"log_level"` // debug, info, warn, error
	LogFile  string `toml:"log_file"`  // rotated log file for watch mode; empty = stderr only
}

// RemoteConfig holds the hosted backend endpoint and credentials. An empty
// endpoint or API key means the engine runs in local-only mode: the schema
// probe classifies the backend as unconfigured and sync is a no-op.
type RemoteConfig struct {
	Endpoint    string `toml:"endpoint"`
	APIKey      string `toml:"api_key"`
	BearerToken string `toml:"bearer_token"`
	Bucket      string `toml:"bucket"`
	OwnerID     string `toml:"owner_id"` // scope identifier injected into every uploaded row
}

// SyncConfig holds per-pass tuning.
type SyncConfig struct {
	PassTimeout  duration `toml:"pass_timeout"`  // overall budget for one reconciliation pass
	PollInterval duration `toml:"poll_interval"` // periodic trigger interval in watch mode
}

// duration wraps time.Duration for TOML decoding of strings like "5m".
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}

	*d = duration(parsed)

	return nil
}

// Duration returns the wrapped time.Duration.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// SetPassTimeout overrides the pass timeout after resolution, for per-command
// flag overrides.
func (s *SyncConfig) SetPassTimeout(d time.Duration) {
	s.PassTimeout = duration(d)
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Bucket: defaultBucket,
		},
		Sync: SyncConfig{
			PassTimeout:  duration(defaultPassTimeout),
			PollInterval: duration(defaultPollInterval),
		},
		DataDir:  DefaultDataDir(),
		LogLevel: defaultLogLevel,
	}
}

// DefaultConfigPath returns the default config file location,
// ~/.config/lawdesk/config.toml, honoring XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}

		base = filepath.Join(home, ".config")
	}

	return filepath.Join(base, "lawdesk", "config.toml")
}

// DefaultDataDir returns the default data directory,
// ~/.local/share/lawdesk, honoring XDG_DATA_HOME.
func DefaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "lawdesk-data"
		}

		base = filepath.Join(home, ".local", "share")
	}

	return filepath.Join(base, "lawdesk")
}

// Validate checks a resolved config for values the engine cannot work with.
// A missing endpoint is not an error — it means local-only mode.
func Validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q (want debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}

	if cfg.Remote.Endpoint != "" && cfg.Remote.APIKey == "" {
		return fmt.Errorf("config: remote.endpoint set without remote.api_key")
	}

	if cfg.Remote.Endpoint != "" && cfg.Remote.OwnerID == "" {
		return fmt.Errorf("config: remote.endpoint set without remote.owner_id")
	}

	if cfg.Sync.PassTimeout.Duration() <= 0 {
		return fmt.Errorf("config: sync.pass_timeout must be positive")
	}

	return nil
}

// Configured reports whether remote credentials are present. When false the
// engine stays in local-only mode and the schema probe reports unconfigured.
func (r RemoteConfig) Configured() bool {
	return r.Endpoint != "" && r.APIKey != ""
}
