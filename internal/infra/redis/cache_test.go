package redis

import (
	"context"
	"testing"
	"time"
)

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	c, err := NewCache(rdb, "test:cache:", time.Minute)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "binding:13900000001"); err != nil || ok {
		t.Fatalf("Get() miss = %v, %v", ok, err)
	}

	if err := c.Put(ctx, "binding:13900000001", []byte(`{"number":"13900000001"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	value, ok, err := c.Get(ctx, "binding:13900000001")
	if err != nil || !ok || string(value) != `{"number":"13900000001"}` {
		t.Fatalf("Get() = %q, %v, %v", value, ok, err)
	}

	if err := c.Remove(ctx, "binding:13900000001"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "binding:13900000001"); ok {
		t.Fatal("removed key should miss")
	}
}

func TestRedisCacheExpiresWithTTL(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	c, _ := NewCache(rdb, "test:cache:", 5*time.Second)
	ctx := context.Background()

	_ = c.Put(ctx, "k", []byte("v"))
	mr.FastForward(6 * time.Second)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry should expire after TTL")
	}
}

func TestRedisCacheClearOnlyTouchesNamespace(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	c, _ := NewCache(rdb, "test:cache:", time.Minute)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_ = c.Put(ctx, key, []byte(key))
	}
	if err := rdb.Set(ctx, "other:key", "keep", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	for _, key := range []string{"a", "b", "c"} {
		if _, ok, _ := c.Get(ctx, key); ok {
			t.Fatalf("%s should be cleared", key)
		}
	}
	if got := rdb.Get(ctx, "other:key").Val(); got != "keep" {
		t.Fatalf("foreign key = %q, want keep", got)
	}
}
