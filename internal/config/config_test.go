package config

import (
	"os"
	"path/filepath"
	"testing"

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
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Empty(t, cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "X-Stagegate-Admin", cfg.Server.AdminHeader)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, 1000, cfg.Fetch.ListPageDelayMs)
	assert.Equal(t, 2, cfg.Fetch.HostConcurrency)
	assert.Equal(t, 4, cfg.Run.MaxConcurrentSources)
	assert.Equal(t, 50, cfg.Run.StagingBatchSize)
	assert.Equal(t, 10, cfg.Run.SourceTimeoutMins)
	assert.Equal(t, "postgres", cfg.Lock.Driver)
	assert.Equal(t, 120, cfg.Lock.TTLSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: stagegate.db
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins: ["https://dash.example.com"]
run:
  max_concurrent_sources: 8
lock:
  driver: none
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "stagegate.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8, cfg.Run.MaxConcurrentSources)
	assert.Equal(t, "none", cfg.Lock.Driver)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Run.StagingBatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("STAGEGATE_STORE_DRIVER", "postgres")
	t.Setenv("STAGEGATE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("STAGEGATE_SERVER_PORT", "3000")
	t.Setenv("STAGEGATE_STORE_DATABASE_URL", "postgres://localhost/stagegate")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/stagegate", cfg.Store.DatabaseURL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STAGEGATE_LOCK_REDIS_URL=redis://cache:6379/0\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("STAGEGATE_LOCK_REDIS_URL") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/0", cfg.Lock.RedisURL)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/stagegate"
	cfg.Fetch.TimeoutSecs = 30
	cfg.Fetch.HostConcurrency = 2
	cfg.Fetch.ListPageDelayMs = 1000
	cfg.Run.MaxConcurrentSources = 4
	cfg.Run.StagingBatchSize = 50
	cfg.Run.SourceTimeoutMins = 10
	cfg.Lock.Driver = "postgres"
	cfg.Server.Port = 8080
	cfg.Server.AdminHeader = "X-Stagegate-Admin"
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	for _, mode := range []string{"scrape", "serve", "review", "sources", "migrate"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidate_MissingStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("review")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	assert.NoError(t, cfg.Validate("scrape"), "port only matters when serving")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRunBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no sources", func(c *Config) { c.Run.MaxConcurrentSources = 0 }, "max_concurrent_sources must be between 1 and 32"},
		{"too many sources", func(c *Config) { c.Run.MaxConcurrentSources = 33 }, "max_concurrent_sources must be between 1 and 32"},
		{"small batch", func(c *Config) { c.Run.StagingBatchSize = 10 }, "staging_batch_size must be between 25 and 50"},
		{"large batch", func(c *Config) { c.Run.StagingBatchSize = 51 }, "staging_batch_size must be between 25 and 50"},
		{"no timeout", func(c *Config) { c.Run.SourceTimeoutMins = 0 }, "source_timeout_mins"},
		{"no fetch timeout", func(c *Config) { c.Fetch.TimeoutSecs = 0 }, "fetch.timeout_secs"},
		{"negative delay", func(c *Config) { c.Fetch.ListPageDelayMs = -1 }, "fetch delays"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("scrape")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.NoError(t, cfg.Validate("migrate"))
		})
	}
}

func TestValidateLockDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"
	err := cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.driver postgres requires store.driver postgres")

	cfg.Lock.Driver = "redis"
	err = cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.redis_url is required")

	cfg.Lock.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate("scrape"))

	cfg.Lock.Driver = "etcd"
	assert.Error(t, cfg.Validate("serve"))

	cfg.Lock.Driver = "none"
	assert.NoError(t, cfg.Validate("serve"))
}
