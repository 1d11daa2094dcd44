package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/serroba/ratelimit-go/internal/ratelimit"
)

// RedisRateLimitStore is a Redis implementation of ratelimit.Store. Each
// identifier maps to a counter key whose TTL carries the window boundary;
// Redis expiry replaces the explicit reset-in-place of the SQL engine.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore creates a new Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		prefix: "ratelimit:",
	}
}

func (r *RedisRateLimitStore) GetActive(ctx context.Context, identifier string) (*ratelimit.Record, error) {
	key := r.prefix + identifier

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ratelimit.ErrNoActiveWindow
		}

		return nil, fmt.Errorf("get active rate limit: %w", err)
	}

	count, err := strconv.ParseInt(getCmd.Val(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit counter: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		// A counter without expiry is an anomaly; the next Upsert repairs it.
		return nil, ratelimit.ErrNoActiveWindow
	}

	now := time.Now()

	return &ratelimit.Record{
		Identifier: identifier,
		Count:      count,
		ResetTime:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (r *RedisRateLimitStore) Upsert(
	ctx context.Context, identifier string, window time.Duration,
) (*ratelimit.Record, error) {
	key := r.prefix + identifier

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("increment rate limit: %w", err)
	}

	if count == 1 {
		if err := r.client.PExpire(ctx, key, window).Err(); err != nil {
			return nil, fmt.Errorf("set rate limit window: %w", err)
		}
	}

	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read rate limit window: %w", err)
	}

	if ttl <= 0 {
		// The key lost its expiry, e.g. a crash between INCR and PEXPIRE;
		// restart the window instead of letting the counter live forever.
		if err := r.client.PExpire(ctx, key, window).Err(); err != nil {
			return nil, fmt.Errorf("repair rate limit window: %w", err)
		}

		ttl = window
	}

	now := time.Now()

	return &ratelimit.Record{
		Identifier: identifier,
		Count:      count,
		ResetTime:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// DeleteExpired is a no-op for Redis: key expiry already purges stale
// counters server-side.
func (r *RedisRateLimitStore) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// Compile-time check.
var _ ratelimit.Store = (*RedisRateLimitStore)(nil)
