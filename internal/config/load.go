package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// EnvOverrides carries configuration read from environment variables.
// Empty fields mean "not set".
type EnvOverrides struct {
	ConfigPath  string
	Endpoint    string
	APIKey      string
	BearerToken string
	OwnerID     string
	DataDir     string
}

// CLIOverrides carries configuration from CLI flags. Empty fields mean
// "not set"; flags always win over env and file values.
type CLIOverrides struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
}

// ReadEnvOverrides reads all recognized LAWDESK_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv("LAWDESK_CONFIG"),
		Endpoint:    os.Getenv("LAWDESK_ENDPOINT"),
		APIKey:      os.Getenv("LAWDESK_API_KEY"),
		BearerToken: os.Getenv("LAWDESK_BEARER_TOKEN"),
		OwnerID:     os.Getenv("LAWDESK_OWNER_ID"),
		DataDir:     os.Getenv("LAWDESK_DATA_DIR"),
	}
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal: silently ignoring a typo in a
// config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports the zero-config
// first run: the engine comes up in local-only mode without a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg, env)

	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}

	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config, env EnvOverrides) {
	if env.Endpoint != "" {
		cfg.Remote.Endpoint = env.Endpoint
	}

	if env.APIKey != "" {
		cfg.Remote.APIKey = env.APIKey
	}

	if env.BearerToken != "" {
		cfg.Remote.BearerToken = env.BearerToken
	}

	if env.OwnerID != "" {
		cfg.Remote.OwnerID = env.OwnerID
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}
}
