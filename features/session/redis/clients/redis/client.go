// Package redis implements the low-level Redis client used by the session
// store. It wraps go-redis behind a small interface so the store can be
// exercised against a fake in tests and so callers never see driver
// sentinels like redis.Nil.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"
)

type (
	// Client exposes the key/value operations the session store needs.
	Client interface {
		health.Pinger

		// Get returns the value at key or ErrNotFound.
		Get(ctx context.Context, key string) (string, error)
		// Set stores the value with the given TTL.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// Del removes the key. Removing an absent key is not an error.
		Del(ctx context.Context, key string) error
	}

	// Options configures the client.
	Options struct {
		// Redis is the go-redis connection. Required. Callers own its
		// lifecycle; Close is never called by this package.
		Redis *goredis.Client
		// Timeout bounds individual operations. Defaults to 2s.
		Timeout time.Duration
	}

	client struct {
		redis   *goredis.Client
		timeout time.Duration
	}
)

// ErrNotFound indicates the key does not exist.
var ErrNotFound = errors.New("key not found")

const (
	defaultTimeout = 2 * time.Second
	clientName     = "session-redis"
)

// New returns a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{redis: opts.Redis, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (c *client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

// Get implements Client.
func (c *client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set implements Client.
func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Del implements Client.
func (c *client) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
