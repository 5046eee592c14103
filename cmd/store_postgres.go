package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stagegate/internal/db"
	"github.com/sells-group/stagegate/internal/lock"
	"github.com/sells-group/stagegate/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "stagegate.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore initializes and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLocker returns the run lock and a function closing its resources.
func initLocker(ctx context.Context, st store.Store) (lock.Locker, func(), error) {
	switch cfg.Lock.Driver {
	case "", "none":
		return lock.Noop{}, func() {}, nil
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, nil, eris.New("lock driver postgres requires the postgres store")
		}
		return lock.NewPostgresLocker(ps.Pool()), func() {}, nil
	case "redis":
		rl, err := lock.NewRedisLocker(ctx, cfg.Lock.RedisURL, time.Duration(cfg.Lock.TTLSecs)*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return rl, func() { _ = rl.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
}
