package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_PATH", path)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 10, cfg.Session.MaxMessages)
	assert.Equal(t, 2, cfg.LLM.MaxToolRounds)
	assert.Equal(t, "check-then-increment", cfg.Quota.Ordering)
	assert.Equal(t, "archive", cfg.Discord.CloseMode)
	assert.Empty(t, cfg.Quota.LimitTable())

	// a full video poll window plus model rounds fits in one request
	pollWindow := time.Duration(cfg.Tools.Video.MaxPolls) * cfg.Tools.Video.PollInterval
	assert.Greater(t, cfg.Server.MiddlewareTimeout, pollWindow+time.Minute)
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.Server.MiddlewareTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	writeConfig(t, `
storage:
  driver: postgres
quota:
  ordering: increment-then-check
  limits:
    - model: gpt-4o
      limit: 20
    - model: gemini-1.5-pro
      limit: 50
    - model: ""
      limit: 1
llm:
  prompts:
    en: "You are a concise assistant."
`)
	t.Setenv("STORAGE_DRIVER", "mongo")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mongo", cfg.Storage.Driver)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
	assert.Equal(t, "increment-then-check", cfg.Quota.Ordering)
	assert.Equal(t, map[string]int{"gpt-4o": 20, "gemini-1.5-pro": 50}, cfg.Quota.LimitTable())
	assert.Equal(t, "You are a concise assistant.", cfg.LLM.Prompts["en"])
}

func TestLoad_InvalidFile(t *testing.T) {
	writeConfig(t, "server: [unclosed")

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{User: "relay", Password: "pw", Host: "db", Port: 5432, Database: "relay", SSLMode: "disable"}
	assert.Equal(t, "postgres://relay:pw@db:5432/relay?sslmode=disable", c.DSN())
}
