package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/lock"
	goredis "github.com/redis/go-redis/v9"
)

// acquireScript takes an absent key or refreshes the lease of a key already held by
// the same token.
var acquireScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lock.Store = (*LockStore)(nil)

// LockStore implements lock.Store with single-script Redis operations.
type LockStore struct {
	client goredis.UniversalClient
}

func NewLockStore(client goredis.UniversalClient) (*LockStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &LockStore{client: client}, nil
}

func (s *LockStore) Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	if lease < time.Millisecond {
		return false, fmt.Errorf("lease must be at least 1ms, got %s", lease)
	}

	result, err := acquireScript.Run(ctx, s.client, []string{key}, token, lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (s *LockStore) Release(ctx context.Context, key, token string) (bool, error) {
	result, err := releaseScript.Run(ctx, s.client, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (s *LockStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LockStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
