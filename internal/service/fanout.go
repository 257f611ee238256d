package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"golang.org/x/sync/errgroup"
)

const defaultFanoutConcurrency = 8

// fanOut calls fn once per partition with at most limit calls in flight. Results keep
// the order of partitions; the first error cancels the remaining calls.
func fanOut[T any](
	ctx context.Context,
	partitions []string,
	limit int,
	fn func(ctx context.Context, partition string) (T, error),
) ([]T, error) {
	if limit < 1 {
		limit = defaultFanoutConcurrency
	}

	results := make([]T, len(partitions))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, partition := range partitions {
		i, partition := i, partition
		g.Go(func() error {
			result, err := fn(groupCtx, partition)
			if err != nil {
				return fmt.Errorf("partition %s: %w", partition, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// findFirst returns the match from the earliest partition, or domain.ErrBindingNotFound.
func findFirst(
	ctx context.Context,
	partitions []string,
	limit int,
	find func(ctx context.Context, partition string) (*domain.Binding, error),
) (*domain.Binding, error) {
	matches, err := fanOut(ctx, partitions, limit, func(ctx context.Context, partition string) (*domain.Binding, error) {
		b, err := find(ctx, partition)
		if errors.Is(err, domain.ErrBindingNotFound) {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}

	for _, b := range matches {
		if b != nil {
			return b, nil
		}
	}
	return nil, domain.ErrBindingNotFound
}
