package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// TaskProcessor runs a batch task to completion. *Orchestrator implements it.
type TaskProcessor interface {
	Process(ctx context.Context, taskID string) (*domain.BatchTask, error)
}

// TaskWorker consumes task queues and hands each message to the TaskProcessor.
type TaskWorker struct {
	processor   TaskProcessor
	consumer    queue.Consumer
	logger      *zap.Logger
	concurrency int
}

func NewTaskWorker(
	processor TaskProcessor,
	consumer queue.Consumer,
	concurrency int,
	logger *zap.Logger,
) (*TaskWorker, error) {
	if processor == nil {
		return nil, fmt.Errorf("task processor is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TaskWorker{
		processor:   processor,
		consumer:    consumer,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes every task queue until context cancellation. Workers are spread
// round-robin over the queues, with at least one consumer per queue.
func (w *TaskWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	workers := max(w.concurrency, len(queueNames))
	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("task worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.processMessage)
			if err != nil {
				w.logger.Error("task worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("task worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage returns nil for messages that must not be redelivered: the task is
// gone, already terminal, or owned by another worker.
func (w *TaskWorker) processMessage(ctx context.Context, msg queue.TaskMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(zap.String("taskId", msg.TaskID))

	task, err := w.processor.Process(ctx, msg.TaskID)
	switch {
	case err == nil:
		logger.Info("task message processed", zap.String("status", task.Status.String()))
		return nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("task not found, skipping")
		return nil
	case errors.Is(err, domain.ErrInvalidTaskState):
		logger.Info("task is not runnable, skipping", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrLockAcquisition):
		logger.Info("task is running on another worker, skipping")
		return nil
	default:
		return fmt.Errorf("failed to process task %s: %w", msg.TaskID, err)
	}
}
