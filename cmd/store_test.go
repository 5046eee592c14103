package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stagegate/internal/config"
	"github.com/sells-group/stagegate/internal/lock"
	"github.com/sells-group/stagegate/internal/store"
)

func sqliteConfig(dsn string) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: dsn,
		},
		Lock: config.LockConfig{Driver: "none"},
	}
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = sqliteConfig(filepath.Join(t.TempDir(), "test.db"))

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	_, ok := st.(*store.SQLiteStore)
	assert.True(t, ok)
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = sqliteConfig("")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = os.Stat(filepath.Join(tmpDir, "stagegate.db"))
	assert.NoError(t, err)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestOpenStore_Migrates(t *testing.T) {
	cfg = sqliteConfig(filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestInitLocker(t *testing.T) {
	cfg = sqliteConfig(filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()
	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	locker, closeFn, err := initLocker(ctx, st)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, lock.Noop{}, locker)

	cfg.Lock.Driver = "postgres"
	_, _, err = initLocker(ctx, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the postgres store")

	cfg.Lock.Driver = "zookeeper"
	_, _, err = initLocker(ctx, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported lock driver")
}

func TestInitPipeline_SQLite(t *testing.T) {
	cfg = sqliteConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.Fetch = config.FetchConfig{TimeoutSecs: 5, HostConcurrency: 1, BreakerFailures: 3}
	cfg.Run = config.RunConfig{MaxConcurrentSources: 2, StagingBatchSize: 25, SourceTimeoutMins: 1}

	env, err := initPipeline(context.Background(), "scrape")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Review)
	assert.NotNil(t, env.Store)
	require.NotNil(t, env.Breakers)
	assert.Empty(t, env.Breakers.Open())
}

func TestInitPipeline_InvalidConfig(t *testing.T) {
	cfg = sqliteConfig(filepath.Join(t.TempDir(), "test.db"))

	_, err := initPipeline(context.Background(), "scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_sources")
}
