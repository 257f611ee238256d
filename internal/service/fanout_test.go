package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
)

func TestFanOutKeepsPartitionOrder(t *testing.T) {
	t.Parallel()

	partitions := []string{"p_100", "p_200", "p_300", "p_400"}
	var inFlight, peak atomic.Int32

	results, err := fanOut(context.Background(), partitions, 2, func(ctx context.Context, p string) (string, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return p + "!", nil
	})
	if err != nil {
		t.Fatalf("fanOut() error = %v", err)
	}

	for i, p := range partitions {
		if results[i] != p+"!" {
			t.Fatalf("results[%d] = %s, want %s!", i, results[i], p)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestFanOutReturnsFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := fanOut(context.Background(), []string{"a", "b"}, 0, func(ctx context.Context, p string) (int, error) {
		if p == "b" {
			return 0, boom
		}
		return 1, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("fanOut() error = %v, want boom", err)
	}
}

func TestFindFirstPrefersEarliestPartition(t *testing.T) {
	t.Parallel()

	b, err := findFirst(context.Background(), []string{"a", "b", "c"}, 3, func(ctx context.Context, p string) (*domain.Binding, error) {
		if p == "a" {
			return nil, domain.ErrBindingNotFound
		}
		return &domain.Binding{Number: p}, nil
	})
	if err != nil {
		t.Fatalf("findFirst() error = %v", err)
	}
	if b.Number != "b" {
		t.Fatalf("findFirst() = %s, want b", b.Number)
	}

	_, err = findFirst(context.Background(), []string{"a"}, 1, func(ctx context.Context, p string) (*domain.Binding, error) {
		return nil, domain.ErrBindingNotFound
	})
	if !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("findFirst() error = %v, want ErrBindingNotFound", err)
	}
}
