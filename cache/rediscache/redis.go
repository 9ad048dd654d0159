// Package rediscache backs the historical bank cache with Redis so that
// every process serving balances shares one cache.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultPrefix namespaces keys in a shared Redis.
const DefaultPrefix = "credit-engine:"

// Cache implements credit.Cache on Redis strings.
type Cache struct {
	client redis.Cmdable
	prefix string
}

// New wraps a Redis client. An empty prefix uses DefaultPrefix.
func New(client redis.Cmdable, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

// Options describes a Redis connection.
type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Dial connects and pings Redis.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	port := opts.Port
	if port == 0 {
		port = 6379
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, port),
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *Cache) Forget(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
