// Package cache defines the read-through cache used for binding lookups and its
// in-process implementation. The shared Redis implementation lives in infra/redis.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 10_000
)

// Cache stores opaque values by key. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

type Options struct {
	TTL      time.Duration
	Capacity int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	return o
}

// ParseBackend normalizes a configured backend name.
func ParseBackend(name string) (string, error) {
	switch backend := strings.ToLower(strings.TrimSpace(name)); backend {
	case "", BackendMemory:
		return BackendMemory, nil
	case BackendRedis:
		return BackendRedis, nil
	default:
		return "", fmt.Errorf("unknown cache backend %q", name)
	}
}

var _ Cache = (*MemoryCache)(nil)

// MemoryCache is a size-bounded LRU with per-entry expiry, local to one process.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryCache(opts Options) *MemoryCache {
	opts = opts.withDefaults()
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](opts.Capacity, nil, opts.TTL)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, value []byte) error {
	c.lru.Add(key, value)
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.lru.Remove(key)
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.lru.Purge()
	return nil
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
