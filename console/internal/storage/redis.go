package storage

import (
	"context"
	"time"

	"smart-energy-console/shared/cachex"
)

const redisKeyPrefix = "console:storage:"

// RedisStore keeps one hash per browser. Every write slides the hash's
// expiry so idle browsers age out on their own.
type RedisStore struct {
	client *cachex.Client
	ttl    time.Duration
}

func NewRedisStore(client *cachex.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, browserID string, key string) (string, bool, error) {
	if err := checkBrowser(browserID); err != nil {
		return "", false, err
	}
	return s.client.HGet(ctx, redisKeyPrefix+browserID, key)
}

func (s *RedisStore) Set(ctx context.Context, browserID string, key string, value string) error {
	if err := checkBrowser(browserID); err != nil {
		return err
	}
	return s.client.HSet(ctx, redisKeyPrefix+browserID, key, value, s.ttl)
}

func (s *RedisStore) Remove(ctx context.Context, browserID string, keys ...string) error {
	if err := checkBrowser(browserID); err != nil {
		return err
	}
	return s.client.HDel(ctx, redisKeyPrefix+browserID, keys...)
}
