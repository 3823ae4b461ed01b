package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/authguard/internal/platform/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("AUTHGUARD_ORIGIN_BASE_URL", "https://app.example.com")
	os.Setenv("AUTHGUARD_REDIS_ENABLED", "true")
	os.Setenv("AUTHGUARD_REDIS_ADDR", "redis:6379")
	defer func() {
		os.Unsetenv("AUTHGUARD_ORIGIN_BASE_URL")
		os.Unsetenv("AUTHGUARD_REDIS_ENABLED")
		os.Unsetenv("AUTHGUARD_REDIS_ADDR")
	}()

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com", cfg.Origin.BaseURL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverridesUnderscoreKeys(t *testing.T) {
	t.Setenv("AUTHGUARD_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("AUTHGUARD_GRACE_DEGRADED_THRESHOLD", "9")
	t.Setenv("AUTHGUARD_ORIGIN_PROBE_PATH", "/api/me")
	t.Setenv("AUTHGUARD_SERVER_CORS_ALLOWED_ORIGINS", "https://app.example.com")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 9, cfg.Grace.DegradedThreshold)
	assert.Equal(t, "/api/me", cfg.Origin.ProbePath)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSAllowedOrigins)
}

func TestLoad_ResilienceDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []int{1000, 2000}, cfg.Retry.DelaysMS)
	assert.InDelta(t, 0.2, cfg.Retry.JitterRatio, 1e-9)
	assert.Equal(t, 300, cfg.Cache.BaseTTLSecs)
	assert.Equal(t, 5, cfg.Cache.MinTTLSecs)
	assert.Equal(t, 10000, cfg.Grace.PeriodMS)
	assert.Equal(t, 6, cfg.Grace.DegradedThreshold)
	assert.Equal(t, 1, cfg.Guard.MaxRetries)
	assert.Equal(t, 100, cfg.Diagnostics.Capacity)
	assert.Equal(t, "X-CSRF-Token", cfg.Token.Header)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authguard.yaml")
	yaml := `
origin:
  base_url: https://stocks.example.com
  probe_path: /api/me
retry:
  max_attempts: 5
  delays_ms: [100, 200, 400]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://stocks.example.com", cfg.Origin.BaseURL)
	assert.Equal(t, "/api/me", cfg.Origin.ProbePath)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, []int{100, 200, 400}, cfg.Retry.DelaysMS)
	// untouched keys keep their defaults
	assert.Equal(t, "/api/admin/status", cfg.Origin.AdminPath)
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Server.Port)
}
