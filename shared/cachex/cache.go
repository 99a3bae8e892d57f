package cachex

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"smart-energy-console/shared/config"
)

var ErrNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return ErrNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// HGet returns a single hash field; ok is false when the hash or field is absent.
func (c *Client) HGet(ctx context.Context, key string, field string) (string, bool, error) {
	if c == nil || c.redis == nil {
		return "", false, ErrNotInitialized
	}
	v, err := c.redis.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// HSet writes one field and slides the whole hash's expiry forward.
func (c *Client) HSet(ctx context.Context, key string, field string, value string, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return ErrNotInitialized
	}
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field, value)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if c == nil || c.redis == nil {
		return ErrNotInitialized
	}
	if len(fields) == 0 {
		return nil
	}
	return c.redis.HDel(ctx, key, fields...).Err()
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
