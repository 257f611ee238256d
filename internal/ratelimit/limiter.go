package ratelimit

import "context"

// RateLimiter bounds throughput per scope. Wait blocks until the scope has budget or
// ctx is done.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}
