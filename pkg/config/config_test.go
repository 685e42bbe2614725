package config_test

import (
	"testing"
	"time"

	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults when no
// environment variables are set, and that an empty DATABASE_URL selects
// SQLite lite mode.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOCK_TIMEOUT", "")
	t.Setenv("SHADOW_MODE", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, "./ledger.db", cfg.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.False(t, cfg.ShadowMode)
	assert.True(t, cfg.LiteMode())
}

// TestLoad_Overrides verifies that environment variables correctly override
// default values, and that a non-empty DATABASE_URL takes the store out of
// lite mode.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://operator:secret@db:5432/ledger")
	t.Setenv("LOCK_TIMEOUT", "45")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")
	t.Setenv("ADMIN_ALERT_EMAIL", "admin@example.org")
	t.Setenv("SHADOW_MODE", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://operator:secret@db:5432/ledger", cfg.DatabaseURL)
	assert.Equal(t, 45*time.Second, cfg.LockTimeout)
	assert.Equal(t, "sk-ant-test", cfg.AnthropicAPIKey)
	assert.Equal(t, "sk-oai-test", cfg.OpenAIAPIKey)
	assert.Equal(t, "admin@example.org", cfg.AdminAlertEmail)
	assert.True(t, cfg.ShadowMode)
	assert.False(t, cfg.LiteMode())
}

// TestLockTimeout_ParsesDurationString verifies LOCK_TIMEOUT also accepts a
// Go duration string, not only a bare integer second count.
func TestLockTimeout_ParsesDurationString(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "90s")

	cfg := config.Load()

	assert.Equal(t, 90*time.Second, cfg.LockTimeout)
}
