package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared counter backend for multi-process deployments.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore returns a [RedisStore] over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

// Incr increments key and pins its expiry to the window boundary on first
// touch. A missed expiry is harmless for admission (the window start is
// part of the key); it only delays housekeeping.
func (s *RedisStore) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit backend: %w", err)
	}
	if count == 1 {
		if err := s.redis.ExpireAt(ctx, key, expireAt).Err(); err != nil {
			return count, fmt.Errorf("rate limit backend: %w", err)
		}
	}
	return count, nil
}
