package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/cache"
	goredis "github.com/redis/go-redis/v9"
)

const clearScanCount = 500

var _ cache.Cache = (*Cache)(nil)

// Cache is a cache.Cache shared by every engine instance. All keys live under one
// namespace so Clear only touches this cache's entries.
type Cache struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
}

func NewCache(client goredis.UniversalClient, namespace string, ttl time.Duration) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if namespace == "" {
		namespace = "binding:cache:"
	}
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Cache{client: client, namespace: namespace, ttl: ttl}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.namespace+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache: %w", err)
	}
	return value, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.namespace+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (c *Cache) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	namespaced := make([]string, 0, len(keys))
	for _, key := range keys {
		namespaced = append(namespaced, c.namespace+key)
	}
	if err := c.client.Del(ctx, namespaced...).Err(); err != nil {
		return fmt.Errorf("failed to remove cache entries: %w", err)
	}
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.namespace+"*", clearScanCount).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to clear cache keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
