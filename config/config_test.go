package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_TIMEZONE", "UTC")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, time.UTC, cfg.App.Location)
	assert.Equal(t, 50, cfg.Engine.DailyGoalTarget)
	assert.True(t, cfg.Backend.Offline())
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, "00:00", cfg.Scheduler.RolloverAt)
	assert.Equal(t, "progression:events", cfg.Redis.Channel)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "APP_TIMEZONE=UTC\n" +
		"BACKEND_URL=https://api.example.com/api/v1\n" +
		"ENGINE_DAILY_GOAL_XP=80\n" +
		"HTTP_API_KEYS=a, b ,\n" +
		"SCHEDULER_REFRESH_INTERVAL=30s\n" +
		"BACKEND_RATE_LIMIT=2.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// godotenv never overrides variables that are already set.
	keys := []string{"APP_TIMEZONE", "BACKEND_URL", "ENGINE_DAILY_GOAL_XP", "HTTP_API_KEYS", "SCHEDULER_REFRESH_INTERVAL", "BACKEND_RATE_LIMIT"}
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Backend.Offline())
	assert.Equal(t, 80, cfg.Engine.DailyGoalTarget)
	assert.Equal(t, []string{"a", "b"}, cfg.HTTP.APIKeys)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 2.5, cfg.Backend.RequestsPerSecond)
}

func TestValidate(t *testing.T) {
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")
	t.Setenv("BACKEND_URL", "not a url")
	t.Setenv("ENGINE_DAILY_GOAL_XP", "-5")
	t.Setenv("SCHEDULER_ROLLOVER_AT", "midnight")

	_, err := Load(filepath.Join(t.TempDir(), "none.env"))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "APP_TIMEZONE")
	assert.Contains(t, msg, "BACKEND_URL")
	assert.Contains(t, msg, "ENGINE_DAILY_GOAL_XP")
	assert.Contains(t, msg, "SCHEDULER_ROLLOVER_AT")
}

func TestValidate_ProductionNeedsBackend(t *testing.T) {
	t.Setenv("APP_TIMEZONE", "UTC")
	t.Setenv("APP_ENV", "production")
	t.Setenv("BACKEND_URL", "")

	_, err := Load(filepath.Join(t.TempDir(), "none.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required in production")
}
