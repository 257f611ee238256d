package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/queue"
	"github.com/kursadbilgin/binding-engine/internal/repository"
)

type fakeExecutor struct {
	bindFn   func(ctx context.Context, req BindRequest) (*domain.Binding, error)
	unbindFn func(ctx context.Context, req UnbindRequest) (*domain.Binding, error)
}

func (f *fakeExecutor) Bind(ctx context.Context, req BindRequest) (*domain.Binding, error) {
	if f.bindFn != nil {
		return f.bindFn(ctx, req)
	}
	return &domain.Binding{Number: req.Number, IMSI: req.IMSI}, nil
}

func (f *fakeExecutor) Unbind(ctx context.Context, req UnbindRequest) (*domain.Binding, error) {
	if f.unbindFn != nil {
		return f.unbindFn(ctx, req)
	}
	return &domain.Binding{Number: req.Number}, nil
}

type fakeProcessor struct {
	processFn func(ctx context.Context, taskID string) (*domain.BatchTask, error)
}

func (f *fakeProcessor) Process(ctx context.Context, taskID string) (*domain.BatchTask, error) {
	if f.processFn != nil {
		return f.processFn(ctx, taskID)
	}
	return &domain.BatchTask{ID: taskID, Status: domain.TaskStatusSuccess}, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.TaskMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.TaskMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, scope string) (bool, error)
	waitFn  func(ctx context.Context, scope string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, scope)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

// fakeTaskRepo implements ListStale only; other calls hit the nil embedded interface.
type fakeTaskRepo struct {
	repository.TaskRepository
	listStaleFn func(ctx context.Context, statuses []domain.TaskStatus, updatedBefore time.Time, limit int) ([]domain.BatchTask, error)
}

func (f *fakeTaskRepo) ListStale(ctx context.Context, statuses []domain.TaskStatus, updatedBefore time.Time, limit int) ([]domain.BatchTask, error) {
	if f.listStaleFn != nil {
		return f.listStaleFn(ctx, statuses, updatedBefore, limit)
	}
	return nil, nil
}
