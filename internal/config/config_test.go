package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a scratch dir so Load never picks up a stray config.yaml
// from the repo root.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "forecast.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BackoffBase())
	assert.Equal(t, time.Minute, cfg.Sync.Interval())
	assert.InDelta(t, 5.0, cfg.Sync.RateLimitRPS, 0.001)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.Window())
	assert.Equal(t, 1000, cfg.Retention.BatchSize)
	assert.True(t, cfg.Retention.ArchivalEnabled)
	assert.False(t, cfg.Retention.DryRun)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/forecast
sync:
  batch_size: 25
  rate_limit_rps: 2.5
retention:
  window_days: 30
  archival_enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/forecast", cfg.Store.DatabaseURL)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.InDelta(t, 2.5, cfg.Sync.RateLimitRPS, 0.001)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.Window())
	assert.False(t, cfg.Retention.ArchivalEnabled)
	// Unset keys keep their defaults.
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t)
	t.Setenv("FORECAST_SYNC_BATCH_SIZE", "7")
	t.Setenv("FORECAST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger_OK(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
