package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.LogFile)
	assert.NotEmpty(t, cfg.DataDir)

	assert.Equal(t, "case-documents", cfg.Remote.Bucket)
	assert.Empty(t, cfg.Remote.Endpoint)
	assert.False(t, cfg.Remote.Configured())

	assert.Equal(t, 10*time.Minute, cfg.Sync.PassTimeout.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Sync.PollInterval.Duration())
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/lawdesk"
log_level = "debug"
log_file = "/var/log/lawdesk.log"

[remote]
endpoint = "https://proj.example.co"
api_key = "anon"
bearer_token = "jwt"
bucket = "docs"
owner_id = "owner-1"

[sync]
pass_timeout = "2m"
poll_interval = "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/lawdesk", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://proj.example.co", cfg.Remote.Endpoint)
	assert.Equal(t, "docs", cfg.Remote.Bucket)
	assert.True(t, cfg.Remote.Configured())
	assert.Equal(t, 2*time.Minute, cfg.Sync.PassTimeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval.Duration())
}

func TestLoad_UnknownKeyIsFatal(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/tmp/x"
pol_interval = "30s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_BadDurationIsFatal(t *testing.T) {
	path := writeConfig(t, `
[sync]
pass_timeout = "soon"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"endpoint without api key", func(c *Config) {
			c.Remote.Endpoint = "https://x"
			c.Remote.OwnerID = "o1"
		}},
		{"endpoint without owner id", func(c *Config) {
			c.Remote.Endpoint = "https://x"
			c.Remote.APIKey = "k"
		}},
		{"zero pass timeout", func(c *Config) { c.Sync.PassTimeout = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeConfig(t, `
log_level = "warn"

[remote]
endpoint = "https://from-file.example.co"
api_key = "file-key"
owner_id = "file-owner"
`)

	env := EnvOverrides{
		ConfigPath: path,
		Endpoint:   "https://from-env.example.co",
		APIKey:     "env-key",
	}
	cli := CLIOverrides{LogLevel: "debug", DataDir: t.TempDir()}

	cfg, err := Resolve(env, cli)
	require.NoError(t, err)

	// Env beats file; CLI beats both.
	assert.Equal(t, "https://from-env.example.co", cfg.Remote.Endpoint)
	assert.Equal(t, "env-key", cfg.Remote.APIKey)
	assert.Equal(t, "file-owner", cfg.Remote.OwnerID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestResolve_CLIConfigPathBeatsEnv(t *testing.T) {
	envPath := writeConfig(t, `log_level = "warn"`)
	cliPath := writeConfig(t, `log_level = "error"`)

	cfg, err := Resolve(EnvOverrides{ConfigPath: envPath}, CLIOverrides{ConfigPath: cliPath})
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}
