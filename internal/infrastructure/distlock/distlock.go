// Package distlock provides a cross-instance mutual exclusion lock backed
// by Redis.
//
// The orchestrator's correctness never depends on it: bank decisions are
// serialised by database row locks. It keeps housekeeping from running on
// every instance at once.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned by TryRun when another holder owns the key.
var ErrNotObtained = errors.New("distlock: lock not obtained")

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 30 * time.Second

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Locker runs functions under named Redis locks.
type Locker struct {
	rdb    *redis.Client
	locker *redislock.Client
	ttl    time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*Locker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return New(rdb, cfg.TTL), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{rdb: rdb, locker: redislock.New(rdb), ttl: ttl}
}

// TryRun obtains key without waiting, runs fn and releases the lock.
// It returns ErrNotObtained when another instance holds the key.
func (l *Locker) TryRun(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock, err := l.locker.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotObtained
	}
	if err != nil {
		return fmt.Errorf("obtaining lock %s: %w", key, err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx)) //nolint:errcheck // TTL expires it anyway
	}()

	return fn(ctx)
}

// HealthCheck pings Redis.
func (l *Locker) HealthCheck(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *Locker) Close() error {
	return l.rdb.Close()
}
