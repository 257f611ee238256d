// Package lock provides mutual exclusion across processes on string keys.
//
// The atomic primitives live in a Store (see infra/redis.LockStore); Manager adds
// tokens, polling and lease defaults, and WithLock wraps a unit of work.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"go.uber.org/zap"
)

const (
	DefaultWaitTimeout  = 3 * time.Second
	DefaultLeaseTime    = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Store performs single atomic lock operations against shared storage.
//
// Acquire sets key to token with the given lease if the key is absent, or refreshes
// the lease if key already holds token. Release deletes key only when it holds token.
type Store interface {
	Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Locker acquires locks. *Manager is the production implementation.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, lease time.Duration) (*Lock, bool, error)
}

type Options struct {
	WaitTimeout  time.Duration
	LeaseTime    time.Duration
	PollInterval time.Duration
	KeyPrefix    string
}

type Manager struct {
	store    Store
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
	newToken func() string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ Locker = (*Manager)(nil)

func NewManager(store Store, opts Options, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("lock store is required")
	}
	if opts.WaitTimeout < 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.LeaseTime <= 0 {
		opts.LeaseTime = DefaultLeaseTime
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		store:    store,
		opts:     opts,
		logger:   logger,
		newToken: uuid.NewString,
		now:      time.Now,
		sleep:    sleepWithContext,
	}, nil
}

func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func (m *Manager) Options() Options {
	return m.opts
}

// TryLock attempts to take key with a fresh token. It retries every poll interval
// until wait elapses; wait == 0 makes a single attempt and a negative wait uses the
// configured default. A non-positive lease uses the configured lease time.
// The boolean is false when the key stayed held by someone else.
func (m *Manager) TryLock(ctx context.Context, key string, wait, lease time.Duration) (*Lock, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("%w: lock key is required", domain.ErrInvalidInput)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if wait < 0 {
		wait = m.opts.WaitTimeout
	}
	if lease <= 0 {
		lease = m.opts.LeaseTime
	}

	storeKey := m.opts.KeyPrefix + key
	token := m.newToken()
	start := m.now()
	deadline := start.Add(wait)

	for {
		acquired, err := m.store.Acquire(ctx, storeKey, token, lease)
		if err != nil {
			m.metrics.ObserveLockAcquire("error", m.now().Sub(start))
			return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if acquired {
			m.metrics.ObserveLockAcquire("acquired", m.now().Sub(start))
			return &Lock{key: key, storeKey: storeKey, token: token, lease: lease, manager: m}, true, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			m.metrics.ObserveLockAcquire("timeout", m.now().Sub(start))
			m.logger.Debug("lock wait timed out",
				zap.String("key", key),
				zap.Duration("wait", wait),
			)
			return nil, false, nil
		}

		if err := m.sleep(ctx, min(m.opts.PollInterval, remaining)); err != nil {
			return nil, false, err
		}
	}
}

// Unlock releases key only if it is still held with token.
func (m *Manager) Unlock(ctx context.Context, key, token string) (bool, error) {
	released, err := m.store.Release(ctx, m.opts.KeyPrefix+key, token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return released, nil
}

func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	return m.store.Exists(ctx, m.opts.KeyPrefix+key)
}

// TTL returns the remaining lease of key, or zero when the key is not held.
func (m *Manager) TTL(ctx context.Context, key string) (time.Duration, error) {
	return m.store.TTL(ctx, m.opts.KeyPrefix+key)
}

// Lock is a held lock. It is not safe for concurrent use.
type Lock struct {
	key      string
	storeKey string
	token    string
	lease    time.Duration
	manager  *Manager
}

func (l *Lock) Key() string { return l.key }

func (l *Lock) Token() string { return l.token }

// Unlock returns false when the lease already expired or another holder took over.
func (l *Lock) Unlock(ctx context.Context) (bool, error) {
	return l.manager.Unlock(ctx, l.key, l.token)
}

// Refresh extends the lease while the lock is still held by this token.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	ok, err := l.manager.store.Acquire(ctx, l.storeKey, l.token, l.lease)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	return ok, nil
}

// release unlocks on a context detached from cancellation so locks are freed even
// when the caller's context is already done.
func (l *Lock) release(ctx context.Context) {
	released, err := l.Unlock(context.WithoutCancel(ctx))
	if err != nil {
		l.manager.logger.Warn("failed to release lock",
			zap.String("key", l.key),
			zap.Error(err),
		)
		return
	}
	if !released {
		l.manager.logger.Warn("lock expired before release",
			zap.String("key", l.key),
			zap.Duration("lease", l.lease),
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
