package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/binding-engine/internal/cache"
	"github.com/kursadbilgin/binding-engine/internal/config"
	infraredis "github.com/kursadbilgin/binding-engine/internal/infra/redis"
	goredis "github.com/redis/go-redis/v9"
)

func TestNewCacheSelectsBackend(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	memory, err := NewCache(&config.Config{CacheBackend: "memory", CacheTTL: time.Minute, CacheCapacity: 10}, client)
	if err != nil {
		t.Fatalf("NewCache(memory) error = %v", err)
	}
	if _, ok := memory.(*cache.MemoryCache); !ok {
		t.Fatalf("memory backend = %T, want *cache.MemoryCache", memory)
	}

	shared, err := NewCache(&config.Config{CacheBackend: "REDIS", CacheTTL: time.Minute}, client)
	if err != nil {
		t.Fatalf("NewCache(redis) error = %v", err)
	}
	if _, ok := shared.(*infraredis.Cache); !ok {
		t.Fatalf("redis backend = %T, want *infraredis.Cache", shared)
	}
	if err := shared.Put(context.Background(), "binding:number:1", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !mr.Exists(cacheNamespace + "binding:number:1") {
		t.Fatalf("redis keys = %v, want namespaced cache key", mr.Keys())
	}

	if _, err := NewCache(&config.Config{CacheBackend: "disk"}, client); err == nil {
		t.Fatal("NewCache(disk) error = nil, want error")
	}
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	t.Parallel()

	var order []int
	e := &Engine{}
	for i := 0; i < 3; i++ {
		i := i
		e.closers = append(e.closers, func() error {
			order = append(order, i)
			return nil
		})
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Fatalf("close order = %v, want [2 1 0]", order)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
