package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/queue"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultStaleScanInterval = time.Minute
	defaultStaleTaskAfter    = 10 * time.Minute
	defaultStaleScanLimit    = 100
)

// StaleTaskScanner re-dispatches tasks that stopped making progress: PROCESSING
// tasks whose worker died and PENDING tasks whose dispatch was lost.
type StaleTaskScanner struct {
	tasks     repository.TaskRepository
	publisher queue.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	staleFor  time.Duration
	limit     int
	now       func() time.Time
}

func NewStaleTaskScanner(
	tasks repository.TaskRepository,
	publisher queue.Publisher,
	interval time.Duration,
	staleFor time.Duration,
	limit int,
	logger *zap.Logger,
) (*StaleTaskScanner, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultStaleScanInterval
	}
	if staleFor <= 0 {
		staleFor = defaultStaleTaskAfter
	}
	if limit <= 0 {
		limit = defaultStaleScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleTaskScanner{
		tasks:     tasks,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		staleFor:  staleFor,
		limit:     limit,
		now:       time.Now,
	}, nil
}

func (s *StaleTaskScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *StaleTaskScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Initial scan picks up tasks orphaned by the previous process.
	if err := s.scanStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale task scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanStale(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale task scan failed", zap.Error(err))
			}
		}
	}
}

func (s *StaleTaskScanner) scanStale(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.staleFor)
	stale, err := s.tasks.ListStale(ctx,
		[]domain.TaskStatus{domain.TaskStatusProcessing, domain.TaskStatusPending},
		cutoff,
		s.limit,
	)
	if err != nil {
		return fmt.Errorf("failed to fetch stale tasks: %w", err)
	}

	for i := range stale {
		task := stale[i]
		msg := queue.TaskMessage{TaskID: task.ID, Type: task.Type, Resumed: true}

		queueName := queue.QueueName(task.Type)
		if err := s.publisher.Publish(ctx, queueName, msg); err != nil {
			s.logger.Error("failed to re-dispatch stale task",
				zap.String("taskId", task.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}

		s.metrics.IncStaleTaskResumed()
		s.logger.Info("stale task re-dispatched",
			zap.String("taskId", task.ID),
			zap.String("status", task.Status.String()),
			zap.Time("updatedAt", task.UpdatedAt),
		)
	}

	return nil
}
