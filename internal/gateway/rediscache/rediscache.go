// Package rediscache stores gateway responses in Redis so several gateway
// processes share one cache.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/superpaes/exercise-gateway/internal/gateway"
)

var _ gateway.SharedCache = (*Cache)(nil)

const defaultPrefix = "exercise-gateway:cache:"

// Cache implements gateway.SharedCache.
type Cache struct {
	rdb    goredis.UniversalClient
	prefix string
}

// New wraps a connected client. An empty prefix uses the default.
func New(rdb goredis.UniversalClient, prefix string) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{rdb: rdb, prefix: prefix}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediscache get: %w", err)
	}
	return raw, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache set: %w", err)
	}
	return nil
}
