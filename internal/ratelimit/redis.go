package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore shares fixed windows between processes. Each window is a
// counter key whose TTL is the remaining window length.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Increment implements WindowStore
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	rkey := redisKeyPrefix + key

	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rkey)
		pttl = pipe.PTTL(ctx, rkey)
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	now := time.Now()
	remaining := pttl.Val()
	// A fresh counter has no TTL yet; this hit opened the window.
	if remaining < 0 {
		if err := s.client.PExpire(ctx, rkey, window).Err(); err != nil {
			return Window{}, fmt.Errorf("rate limiter expiry for %q: %w", key, err)
		}
		remaining = window
	}

	resetAt := now.Add(remaining)
	return Window{
		Count:   incr.Val(),
		Start:   resetAt.Add(-window),
		ResetAt: resetAt,
	}, nil
}

// Peek implements WindowStore. Window.Start is unknown to Redis and left zero.
func (s *RedisStore) Peek(ctx context.Context, key string) (Window, bool, error) {
	rkey := redisKeyPrefix + key

	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, rkey)
		pttl = pipe.PTTL(ctx, rkey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, false, fmt.Errorf("rate limiter peek for %q: %w", key, err)
	}

	count, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}

	w := Window{Count: count}
	if ttl := pttl.Val(); ttl > 0 {
		w.ResetAt = time.Now().Add(ttl)
	}
	return w, true, nil
}

// Reset implements WindowStore
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}
