package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production CounterStore. Redis INCR is the atomic
// increment-and-return primitive; the EXPIRE alongside it only bounds
// retention of dead windows.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// counterKey builds the key for one aligned-window counter.
func counterKey(scope, scopeID, windowType string, windowStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%s:%d", scope, scopeID, windowType, windowStart.Unix())
}

// IncrCounter atomically increments a window counter and returns the
// new count.
func (s *RedisStore) IncrCounter(ctx context.Context, scope, scopeID, windowType string, windowStart time.Time, ttl time.Duration) (int64, error) {
	key := counterKey(scope, scopeID, windowType, windowStart)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return incr.Val(), nil
}
