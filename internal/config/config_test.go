package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendStore, cfg.Backend)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "proposal-review.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "primary", cfg.Review.Strategy)
	assert.Equal(t, 1500, cfg.Review.AutosaveQuietMs)
	assert.Equal(t, 60, cfg.Review.SessionTTLMinutes)
	assert.Equal(t, 3, cfg.API.Retry.MaxAttempts)
	assert.InDelta(t, 10.0, cfg.API.RatePerSec, 0.001)
	assert.Equal(t, 5, cfg.API.BreakerThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
backend: api
api:
  base_url: https://review.example
  retry:
    max_attempts: 5
log:
  level: debug
  format: console
review:
  strategy: merge_all
  autosave_quiet_ms: 500
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendAPI, cfg.Backend)
	assert.Equal(t, "https://review.example", cfg.API.BaseURL)
	assert.Equal(t, 5, cfg.API.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "merge_all", cfg.Review.Strategy)
	assert.Equal(t, 500, cfg.Review.AutosaveQuietMs)
	// Defaults still apply for unset values
	assert.Equal(t, 250, cfg.API.Retry.InitialBackoffMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store:\n  driver: sqlite\n"), 0o644))

	t.Setenv("REVIEW_STORE_DRIVER", "postgres")
	t.Setenv("REVIEW_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REVIEW_API_TOKEN=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("REVIEW_API_TOKEN") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.API.Token)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryConfig{MaxAttempts: 4, InitialBackoffMs: 100, MaxBackoffMs: 1000}.Policy()
	assert.Equal(t, 4, p.Attempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, time.Second, p.MaxBackoff)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	return &Config{
		Backend: BackendStore,
		Store:   StoreConfig{Driver: "sqlite", DatabaseURL: "review.db"},
		Review:  ReviewConfig{Strategy: "primary", AutosaveQuietMs: 1500, FetchConcurrency: 8},
		Server:  ServerConfig{Port: 8080},
	}
}

func TestValidateReview_Store(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("review"))
}

func TestValidateReview_APIRequiresBaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Backend = BackendAPI

	err := cfg.Validate("review")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url is required")

	cfg.API.BaseURL = "https://review.example"
	assert.NoError(t, cfg.Validate("review"))
}

func TestValidateReview_UnknownBackend(t *testing.T) {
	cfg := validDefaults()
	cfg.Backend = "ftp"
	assert.ErrorContains(t, cfg.Validate("review"), "backend must be")
}

func TestValidateStore_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store = StoreConfig{Driver: "mysql"}

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateReview_Strategy(t *testing.T) {
	cfg := validDefaults()
	cfg.Review.Strategy = "newest"
	assert.ErrorContains(t, cfg.Validate("review"), "review.strategy")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg.Server.Port = 9090
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
