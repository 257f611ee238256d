package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeEntry struct {
	token   string
	expires time.Time
}

// fakeStore is an in-memory Store driven by an injectable clock.
type fakeStore struct {
	mu         sync.Mutex
	entries    map[string]fakeEntry
	now        func() time.Time
	acquireErr error
	acquires   int
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{entries: make(map[string]fakeEntry), now: now}
}

func (s *fakeStore) Acquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acquires++
	if s.acquireErr != nil {
		return false, s.acquireErr
	}
	entry, ok := s.entries[key]
	if ok && s.now().After(entry.expires) {
		ok = false
	}
	if ok && entry.token != token {
		return false, nil
	}
	s.entries[key] = fakeEntry{token: token, expires: s.now().Add(lease)}
	return true, nil
}

func (s *fakeStore) Release(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.token != token || s.now().After(entry.expires) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	return ok && !s.now().After(entry.expires), nil
}

func (s *fakeStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return 0, nil
	}
	return max(entry.expires.Sub(s.now()), 0), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, opts Options, logger *zap.Logger) (*Manager, *fakeStore, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(clock.Now)
	m, err := NewManager(store, opts, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	seq := 0
	m.newToken = func() string {
		seq++
		return "token-" + strconv.Itoa(seq)
	}
	m.now = clock.Now
	m.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}
	return m, store, clock
}

func TestTryLockSingleAttempt(t *testing.T) {
	t.Parallel()

	m, store, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()

	first, ok, err := m.TryLock(ctx, "bind:13900000001", 0, time.Minute)
	if err != nil || !ok || first == nil {
		t.Fatalf("TryLock() = %v, %v, %v", first, ok, err)
	}

	_, ok, err = m.TryLock(ctx, "bind:13900000001", 0, time.Minute)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if ok {
		t.Fatal("second TryLock() must fail while the key is held")
	}
	if store.acquires != 2 {
		t.Fatalf("acquire attempts = %d, want 2 (no polling with zero wait)", store.acquires)
	}
}

func TestTryLockPollsUntilWaitTimeout(t *testing.T) {
	t.Parallel()

	m, store, clock := newTestManager(t, Options{PollInterval: 100 * time.Millisecond}, nil)
	ctx := context.Background()

	if _, ok, _ := m.TryLock(ctx, "k", 0, time.Minute); !ok {
		t.Fatal("expected first lock")
	}

	start := clock.Now()
	_, ok, err := m.TryLock(ctx, "k", time.Second, time.Minute)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if ok {
		t.Fatal("TryLock() should time out")
	}
	if waited := clock.Now().Sub(start); waited != time.Second {
		t.Fatalf("waited = %s, want 1s", waited)
	}
	// One initial attempt plus ten polls, plus the first lock.
	if store.acquires != 12 {
		t.Fatalf("acquire attempts = %d, want 12", store.acquires)
	}
}

func TestTryLockAcquiresAfterLeaseExpiry(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{PollInterval: 500 * time.Millisecond}, nil)
	ctx := context.Background()

	if _, ok, _ := m.TryLock(ctx, "k", 0, 2*time.Second); !ok {
		t.Fatal("expected first lock")
	}

	l, ok, err := m.TryLock(ctx, "k", 5*time.Second, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock() after lease expiry = %v, %v, want true", ok, err)
	}
	if l.Token() != "token-2" {
		t.Fatalf("token = %q, want token-2", l.Token())
	}
}

func TestTryLockDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{LeaseTime: 7 * time.Second}, nil)
	ctx := context.Background()

	if _, _, err := m.TryLock(ctx, "  ", 0, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("TryLock() empty key error = %v, want ErrInvalidInput", err)
	}

	if _, ok, _ := m.TryLock(ctx, "k", 0, 0); !ok {
		t.Fatal("expected lock")
	}
	ttl, err := m.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl != 7*time.Second {
		t.Fatalf("TTL() = %s, want default lease 7s", ttl)
	}
}

func TestTryLockStoreError(t *testing.T) {
	t.Parallel()

	m, store, _ := newTestManager(t, Options{}, nil)
	store.acquireErr = errors.New("connection refused")

	_, ok, err := m.TryLock(context.Background(), "k", time.Second, time.Minute)
	if err == nil || ok {
		t.Fatalf("TryLock() = %v, %v, want error", ok, err)
	}
}

func TestLockUnlockAndRefresh(t *testing.T) {
	t.Parallel()

	m, _, clock := newTestManager(t, Options{}, nil)
	ctx := context.Background()

	l, ok, _ := m.TryLock(ctx, "task:abc", 0, 10*time.Second)
	if !ok {
		t.Fatal("expected lock")
	}

	clock.Advance(9 * time.Second)
	if refreshed, err := l.Refresh(ctx); err != nil || !refreshed {
		t.Fatalf("Refresh() = %v, %v, want true", refreshed, err)
	}
	clock.Advance(9 * time.Second)
	if locked, _ := m.IsLocked(ctx, "task:abc"); !locked {
		t.Fatal("refreshed lock should still be held")
	}

	if released, _ := m.Unlock(ctx, "task:abc", "wrong-token"); released {
		t.Fatal("Unlock() with mismatched token must return false")
	}
	if released, err := l.Unlock(ctx); err != nil || !released {
		t.Fatalf("Unlock() = %v, %v, want true", released, err)
	}
	if released, _ := l.Unlock(ctx); released {
		t.Fatal("second Unlock() must return false")
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()

	var order []string
	err := WithLock(ctx, m, Request{Keys: []string{"bind:1", "bind:imsi:a", "bind:1"}}, func(ctx context.Context) error {
		for _, key := range []string{"bind:1", "bind:imsi:a"} {
			if locked, _ := m.IsLocked(ctx, key); !locked {
				t.Errorf("%s should be held inside fn", key)
			}
		}
		order = append(order, "fn")
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if len(order) != 1 {
		t.Fatal("fn should run exactly once")
	}

	for _, key := range []string{"bind:1", "bind:imsi:a"} {
		if locked, _ := m.IsLocked(ctx, key); locked {
			t.Fatalf("%s should be released after WithLock", key)
		}
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLock(ctx, m, Request{Keys: []string{"k"}}, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock() error = %v, want boom", err)
	}
	if locked, _ := m.IsLocked(ctx, "k"); locked {
		t.Fatal("lock should be released after fn error")
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = WithLock(ctx, m, Request{Keys: []string{"k"}}, func(context.Context) error { panic("boom") })
	}()

	if locked, _ := m.IsLocked(ctx, "k"); locked {
		t.Fatal("lock should be released after panic")
	}
}

func TestWithLockAcquisitionFailure(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{}, nil)
	ctx := context.Background()

	if _, ok, _ := m.TryLock(ctx, "bind:imsi:a", 0, time.Minute); !ok {
		t.Fatal("expected pre-held lock")
	}

	called := false
	err := WithLock(ctx, m, Request{Keys: []string{"bind:1", "bind:imsi:a"}}, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, domain.ErrLockAcquisition) {
		t.Fatalf("WithLock() error = %v, want ErrLockAcquisition", err)
	}
	if called {
		t.Fatal("fn must not run without all locks")
	}
	if locked, _ := m.IsLocked(ctx, "bind:1"); locked {
		t.Fatal("partially acquired keys must be released")
	}

	var fallbackKey string
	err = WithLock(ctx, m, Request{
		Keys: []string{"bind:1", "bind:imsi:a"},
		Fallback: func(_ context.Context, key string) error {
			fallbackKey = key
			return nil
		},
	}, func(context.Context) error { return errors.New("should not run") })
	if err != nil {
		t.Fatalf("WithLock() with fallback error = %v", err)
	}
	if fallbackKey != "bind:imsi:a" {
		t.Fatalf("fallback key = %q, want bind:imsi:a", fallbackKey)
	}
}

func TestWithLockRequiresKeys(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, Options{}, nil)
	err := WithLock(context.Background(), m, Request{Keys: []string{""}}, func(context.Context) error { return nil })
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("WithLock() error = %v, want ErrInvalidInput", err)
	}
}

func TestWithLockLogsExpiredLease(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.WarnLevel)
	m, _, clock := newTestManager(t, Options{}, zap.New(core))

	err := WithLock(context.Background(), m, Request{Keys: []string{"k"}, LeaseTime: time.Second}, func(context.Context) error {
		clock.Advance(2 * time.Second)
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}

	entries := recorded.FilterMessage("lock expired before release").All()
	if len(entries) != 1 {
		t.Fatalf("expired lease warnings = %d, want 1", len(entries))
	}
}
