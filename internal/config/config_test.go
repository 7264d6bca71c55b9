package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigFile, EnvHTTPAddr, EnvDBDriver, EnvDBDSN, EnvLogLevel, EnvLogFormat,
		EnvMaxTurns, EnvCallTimeout, EnvCommitTimeout, EnvDefaultModel, EnvAllowedOrigins,
		EnvOpenAIAPIKey, EnvOpenAIBaseURL, EnvAnthropicAPIKey,
	} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
http_addr: "127.0.0.1:9090"
db_driver: Postgres
db_dsn: "postgres://yaml/db"
log_level: debug
log_format: json
max_turns: 4
call_timeout: 10s
commit_timeout: 2s
openai_api_key: yaml-openai
anthropic_api_key: yaml-anthropic
default_model: openai/gpt-4o-mini
allowed_origins:
  - http://localhost:3000
`)
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvDBDSN, "postgres://env/db")
	t.Setenv(EnvMaxTurns, "6")
	t.Setenv(EnvOpenAIAPIKey, "env-openai")
	t.Setenv(EnvAllowedOrigins, "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://env/db", cfg.DBDSN)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 6, cfg.MaxTurns)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.CommitTimeout)
	assert.Equal(t, "env-openai", cfg.OpenAIAPIKey)
	assert.Equal(t, "yaml-anthropic", cfg.AnthropicAPIKey)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.DefaultModel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExplicitPathWins(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, writeConfig(t, "http_addr: \":1111\"\n"))

	cfg, err := Load(writeConfig(t, "http_addr: \":2222\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":2222", cfg.HTTPAddr)
}

func TestLoad_LocalFile(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(defaultConfigFile, []byte("max_turns: 3\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxTurns)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml duration", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(writeConfig(t, "call_timeout: soon\n"))
		assert.ErrorContains(t, err, "call_timeout")
	})

	t.Run("invalid env duration", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvCommitTimeout, "later")
		_, err := Load("")
		assert.ErrorContains(t, err, EnvCommitTimeout)
	})

	t.Run("invalid env max turns", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvMaxTurns, "many")
		_, err := Load("")
		assert.ErrorContains(t, err, EnvMaxTurns)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(writeConfig(t, "http_addr: [\n"))
		assert.ErrorContains(t, err, "decode config file")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.HTTPAddr = " " }, "http_addr"},
		{"bad driver", func(c *Config) { c.DBDriver = "mysql" }, "db_driver"},
		{"empty dsn", func(c *Config) { c.DBDSN = "" }, "db_dsn"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero turns", func(c *Config) { c.MaxTurns = 0 }, "max_turns"},
		{"zero call timeout", func(c *Config) { c.CallTimeout = 0 }, "call_timeout"},
		{"zero commit timeout", func(c *Config) { c.CommitTimeout = 0 }, "commit_timeout"},
		{"bare model", func(c *Config) { c.DefaultModel = "gpt-4o" }, "default_model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
