// Package lock guards against two pipeline runs executing at once.
package lock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/db"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = eris.New("lock: already held")

// Locker hands out a named, process-spanning mutex. Acquire never blocks
// waiting for the holder: it fails with ErrLocked instead.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Noop always succeeds. Used when only one trigger can exist.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// PostgresLocker takes a transaction-scoped advisory lock and keeps the
// transaction open until release. The lock dies with the connection, so a
// crashed holder never leaves it stuck.
type PostgresLocker struct {
	pool db.Pool
}

// NewPostgresLocker uses pool for the lock transaction.
func NewPostgresLocker(pool db.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// Key maps a lock name onto the bigint advisory lock space.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *PostgresLocker) Acquire(ctx context.Context, name string) (func(), error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "lock: begin")
	}
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, Key(name)).Scan(&ok); err != nil {
		_ = tx.Rollback(context.Background())
		return nil, eris.Wrapf(err, "lock: try %s", name)
	}
	if !ok {
		_ = tx.Rollback(context.Background())
		return nil, eris.Wrapf(ErrLocked, "lock: %s", name)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := tx.Rollback(context.Background()); err != nil {
				zap.L().Warn("lock: release failed", zap.String("name", name), zap.Error(err))
			}
		})
	}, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// refreshScript extends the TTL only if the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker uses SET NX PX with a random token. While held, the TTL is
// refreshed every third of its length so long runs keep the lock.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker connects to redisURL (redis://...). ttl <= 0 uses 2 minutes.
func NewRedisLocker(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "lock: parse redis url")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "lock: ping redis")
	}
	return NewRedisLockerFromClient(client, ttl), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "stagegate:lock:"}
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: setnx %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "lock: %s", name)
	}

	log := zap.L().With(zap.String("component", "lock"), zap.String("key", key))
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := refreshScript.Run(context.Background(), l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
				if err != nil {
					log.Warn("lock: refresh failed", zap.Error(err))
					continue
				}
				if n == 0 {
					log.Error("lock: lost before release")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
				log.Warn("lock: release failed", zap.Error(err))
			}
		})
	}, nil
}
