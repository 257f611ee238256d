package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
)

// Request describes the locks guarding one unit of work. Keys are acquired in the
// given order and released in reverse; callers that take several keys must use one
// global order everywhere to avoid deadlock.
type Request struct {
	Keys        []string
	WaitTimeout time.Duration
	LeaseTime   time.Duration
	// Fallback runs instead of the unit of work when a key cannot be acquired.
	// When nil, WithLock returns domain.ErrLockAcquisition.
	Fallback func(ctx context.Context, key string) error
}

// WithLock runs fn while holding every key in req. All acquired keys are released
// on every exit path, including a panic in fn.
func WithLock(ctx context.Context, locker Locker, req Request, fn func(ctx context.Context) error) error {
	keys := dedupe(req.Keys)
	if len(keys) == 0 {
		return fmt.Errorf("%w: at least one lock key is required", domain.ErrInvalidInput)
	}

	held := make([]*Lock, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].release(ctx)
		}
		held = held[:0]
	}
	defer releaseAll()

	for _, key := range keys {
		l, ok, err := locker.TryLock(ctx, key, req.WaitTimeout, req.LeaseTime)
		if err != nil {
			return err
		}
		if !ok {
			releaseAll()
			if req.Fallback != nil {
				return req.Fallback(ctx, key)
			}
			return fmt.Errorf("%w: %s", domain.ErrLockAcquisition, key)
		}
		held = append(held, l)
	}

	return fn(ctx)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
