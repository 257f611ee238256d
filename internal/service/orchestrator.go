package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/idgen"
	"github.com/kursadbilgin/binding-engine/internal/lock"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/queue"
	"github.com/kursadbilgin/binding-engine/internal/ratelimit"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	"go.uber.org/zap"
)

const (
	defaultTaskLeaseTime  = 2 * time.Minute
	defaultDetailPageSize = 200

	cancelledMessage = "cancelled by operator"
)

var errTaskCancelled = errors.New("task cancelled")

type OrchestratorConfig struct {
	// TaskLeaseTime bounds how long a crashed worker keeps other workers off a task.
	TaskLeaseTime  time.Duration
	DetailPageSize int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.TaskLeaseTime <= 0 {
		c.TaskLeaseTime = defaultTaskLeaseTime
	}
	if c.DetailPageSize <= 0 {
		c.DetailPageSize = defaultDetailPageSize
	}
	return c
}

// SubmitRequest is a list of items applied with one task type and one set of params.
type SubmitRequest struct {
	Name   string
	Type   domain.TaskType
	Items  []domain.BatchItem
	Params domain.TaskParams
}

// TaskView is a task with its per-status detail counts.
type TaskView struct {
	Task   *domain.BatchTask
	Counts map[domain.DetailStatus]int
}

// Orchestrator turns item lists into tracked batch tasks and runs them through the
// BindingExecutor. Items fail independently; a crashed run is resumed by calling
// Process again.
type Orchestrator struct {
	tasks     repository.TaskRepository
	details   repository.DetailRepository
	executor  BindingExecutor
	router    *shard.Router
	locker    lock.Locker
	ids       idgen.Generator
	limiter   ratelimit.RateLimiter
	publisher queue.Publisher
	cfg       OrchestratorConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	running   *runRegistry
	now       func() time.Time
}

func NewOrchestrator(
	tasks repository.TaskRepository,
	details repository.DetailRepository,
	executor BindingExecutor,
	router *shard.Router,
	locker lock.Locker,
	ids idgen.Generator,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if details == nil {
		return nil, fmt.Errorf("detail repository is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("binding executor is required")
	}
	if router == nil {
		return nil, fmt.Errorf("shard router is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		tasks:    tasks,
		details:  details,
		executor: executor,
		router:   router,
		locker:   locker,
		ids:      ids,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		running:  newRunRegistry(),
		now:      time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SetRateLimiter throttles item processing per partition.
func (o *Orchestrator) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if o == nil {
		return
	}
	o.limiter = limiter
}

// SetPublisher makes Submit dispatch new tasks to the task queue.
func (o *Orchestrator) SetPublisher(publisher queue.Publisher) {
	if o == nil {
		return
	}
	o.publisher = publisher
}

func taskLockKey(taskID string) string { return "task:" + taskID }

// Submit stores a PENDING task with one PENDING detail per item.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.BatchTask, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyList
	}
	if !req.Type.IsValid() {
		return nil, fmt.Errorf("%w: invalid task type %q", domain.ErrInvalidInput, req.Type)
	}

	params := req.Params
	if req.Type == domain.TaskTypeBind {
		if params.BindingType == "" {
			params.BindingType = domain.BindingTypeBatch
		}
		if !params.BindingType.IsValid() {
			return nil, fmt.Errorf("%w: invalid binding type %q", domain.ErrInvalidInput, params.BindingType)
		}
	}
	params.OperatorUserID = operatorOf(ctx, params.OperatorUserID)
	params.Remark = domain.NormalizeOptional(params.Remark)

	now := o.now().UTC()
	taskID := o.ids.NewID()
	details := make([]*domain.BatchDetail, 0, len(req.Items))
	for i, item := range req.Items {
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		details = append(details, &domain.BatchDetail{
			ID:        o.ids.NewID(),
			TaskID:    taskID,
			Seq:       i + 1,
			Number:    strings.TrimSpace(item.Number),
			IMSI:      strings.TrimSpace(item.IMSI),
			ICCID:     domain.NormalizeOptional(item.ICCID),
			Status:    domain.DetailStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", strings.ToLower(req.Type.String()), now.Format("20060102-150405"))
	}

	task := &domain.BatchTask{
		ID:         taskID,
		Name:       name,
		Type:       req.Type,
		Status:     domain.TaskStatusPending,
		TotalCount: len(details),
		Params:     params,
		CreatedBy:  params.OperatorUserID,
		UpdatedBy:  params.OperatorUserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.tasks.Create(ctx, task, details); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	logger := observability.WithContextLogger(o.logger, ctx)
	logger.Info("batch task submitted",
		zap.String("taskId", task.ID),
		zap.String("type", task.Type.String()),
		zap.Int("items", task.TotalCount),
	)

	if o.publisher != nil {
		if err := o.Dispatch(ctx, task); err != nil {
			// The stale task scanner picks up PENDING tasks that were never dispatched.
			logger.Warn("failed to dispatch submitted task", zap.String("taskId", task.ID), zap.Error(err))
		}
	}

	return task, nil
}

// Dispatch publishes a message asking a worker to process task.
func (o *Orchestrator) Dispatch(ctx context.Context, task *domain.BatchTask) error {
	if o.publisher == nil {
		return fmt.Errorf("task publisher is not configured")
	}
	return o.publisher.Publish(ctx, queue.QueueName(task.Type), taskMessage(ctx, task))
}

func taskMessage(ctx context.Context, task *domain.BatchTask) queue.TaskMessage {
	msg := queue.TaskMessage{TaskID: task.ID, Type: task.Type}
	if cid, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = cid
	}
	return msg
}

// Process runs every PENDING detail of a PENDING or PROCESSING task in seq order.
// Item errors are recorded on the detail. Any other error stops the run and leaves
// the task PROCESSING for a later resume.
func (o *Orchestrator) Process(ctx context.Context, taskID string) (*domain.BatchTask, error) {
	taskLock, ok, err := o.locker.TryLock(ctx, taskLockKey(taskID), 0, o.cfg.TaskLeaseTime)
	if err != nil {
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s is already being processed", domain.ErrLockAcquisition, taskID)
	}
	defer func() {
		_, _ = taskLock.Unlock(context.WithoutCancel(ctx))
	}()

	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.CanProcess() {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTaskState, taskID, task.Status)
	}

	if err := o.tasks.MarkProcessing(ctx, taskID, o.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: task %s changed state", domain.ErrInvalidTaskState, taskID)
		}
		return nil, fmt.Errorf("failed to mark task processing: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	o.running.register(taskID, cancel)
	defer func() {
		o.running.unregister(taskID)
		cancel(nil)
	}()

	stopRefresh := o.keepLease(runCtx, taskLock)
	defer stopRefresh()

	taskType := strings.ToLower(task.Type.String())
	o.metrics.IncTaskInFlight(taskType)
	defer o.metrics.DecTaskInFlight(taskType)

	logger := observability.WithContextLogger(o.logger, ctx).With(zap.String("taskId", taskID))
	logger.Info("batch task processing started", zap.String("type", task.Type.String()))

	stopped, err := o.runDetails(ctx, runCtx, task)
	if err != nil {
		logger.Error("batch task processing aborted", zap.Error(err))
		return nil, err
	}
	if stopped {
		return o.settleCancelled(ctx, taskID, logger)
	}

	return o.finish(ctx, task, logger)
}

// runDetails reports stopped when the task was cancelled during the run. Before each
// item the running counts are written under a PROCESSING condition, so a cancel
// issued by another process stops the run at the next item.
func (o *Orchestrator) runDetails(ctx, runCtx context.Context, task *domain.BatchTask) (bool, error) {
	counts, err := o.details.CountByStatus(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count details: %w", err)
	}
	success := counts[domain.DetailStatusSuccess]
	failed := counts[domain.DetailStatusFailed]

	afterSeq := 0
	for {
		page, err := o.details.ListPending(ctx, task.ID, afterSeq, o.cfg.DetailPageSize)
		if err != nil {
			return false, fmt.Errorf("failed to list pending details: %w", err)
		}
		if len(page) == 0 {
			return false, nil
		}

		for i := range page {
			detail := page[i]
			afterSeq = detail.Seq

			if errors.Is(context.Cause(runCtx), errTaskCancelled) {
				return true, nil
			}
			err := o.tasks.UpdateProgress(ctx, task.ID, success, failed)
			if errors.Is(err, domain.ErrConflict) {
				return true, nil
			}
			if err != nil {
				return false, fmt.Errorf("failed to update task progress: %w", err)
			}

			status, err := o.runItem(ctx, task, &detail)
			if err != nil {
				return false, err
			}
			if status == domain.DetailStatusSuccess {
				success++
			} else {
				failed++
			}
		}
	}
}

// runItem applies one detail and records its outcome. The returned error is
// non-nil only for failures that are not the item's own.
func (o *Orchestrator) runItem(ctx context.Context, task *domain.BatchTask, detail *domain.BatchDetail) (domain.DetailStatus, error) {
	itemErr, err := o.execute(ctx, task, detail)
	if err != nil {
		return "", err
	}

	status := domain.DetailStatusSuccess
	var message *string
	if itemErr != nil {
		status = domain.DetailStatusFailed
		msg := itemErr.Error()
		message = &msg
	}

	if err := o.details.MarkResult(ctx, detail.ID, status, message, o.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to record result of detail %d: %w", detail.Seq, err)
	}

	o.metrics.IncBatchItem(strings.ToLower(task.Type.String()), strings.ToLower(status.String()))
	return status, nil
}

func (o *Orchestrator) execute(ctx context.Context, task *domain.BatchTask, detail *domain.BatchDetail) (itemErr, err error) {
	partition, routeErr := o.router.RouteTable(detail.Number)
	if routeErr != nil {
		return routeErr, nil
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, partition); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	params := task.Params
	switch task.Type {
	case domain.TaskTypeBind:
		_, err = o.executor.Bind(ctx, BindRequest{
			Number:         detail.Number,
			IMSI:           detail.IMSI,
			ICCID:          detail.ICCID,
			OrderID:        params.OrderID,
			Type:           params.BindingType,
			OperatorUserID: params.OperatorUserID,
			Remark:         params.Remark,
		})
	case domain.TaskTypeUnbind:
		imsi := detail.IMSI
		_, err = o.executor.Unbind(ctx, UnbindRequest{
			Number:         detail.Number,
			ExpectedIMSI:   &imsi,
			ExpectedICCID:  detail.ICCID,
			OperatorUserID: params.OperatorUserID,
			Remark:         params.Remark,
			Idempotent:     true,
		})
	default:
		return fmt.Errorf("%w: invalid task type %q", domain.ErrInvalidInput, task.Type), nil
	}

	if err == nil {
		return nil, nil
	}
	if isItemError(err) {
		return err, nil
	}
	return nil, err
}

func (o *Orchestrator) finish(ctx context.Context, task *domain.BatchTask, logger *zap.Logger) (*domain.BatchTask, error) {
	counts, err := o.details.CountByStatus(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count details: %w", err)
	}
	success := counts[domain.DetailStatusSuccess]
	failed := counts[domain.DetailStatusFailed]
	status := domain.AggregateTaskStatus(success, failed)

	err = o.tasks.Finish(ctx, task.ID, repository.TaskResult{
		Status:       status,
		SuccessCount: success,
		FailCount:    failed,
		EndTime:      o.now().UTC(),
	})
	if errors.Is(err, domain.ErrConflict) {
		return o.settleCancelled(ctx, task.ID, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish task: %w", err)
	}

	o.metrics.IncTaskFinished(strings.ToLower(task.Type.String()), strings.ToLower(status.String()))
	logger.Info("batch task finished",
		zap.String("status", status.String()),
		zap.Int("success", success),
		zap.Int("failed", failed),
	)
	return o.tasks.GetByID(ctx, task.ID)
}

// settleCancelled records the detail counts on a task that was cancelled while this
// run held it. A task that has since been retried is left alone.
func (o *Orchestrator) settleCancelled(ctx context.Context, taskID string, logger *zap.Logger) (*domain.BatchTask, error) {
	ctx = context.WithoutCancel(ctx)
	counts, err := o.details.CountByStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count details: %w", err)
	}
	success := counts[domain.DetailStatusSuccess]
	failed := counts[domain.DetailStatusFailed]

	err = o.tasks.SettleCancelled(ctx, taskID, success, failed)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("failed to record cancelled task counts: %w", err)
	}

	logger.Info("batch task cancelled while processing",
		zap.Int("success", success),
		zap.Int("failed", failed),
	)
	return o.tasks.GetByID(ctx, taskID)
}

// keepLease refreshes the task lock until the returned func is called.
func (o *Orchestrator) keepLease(ctx context.Context, l *lock.Lock) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.TaskLeaseTime / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Refresh(ctx)
				if err != nil && ctx.Err() == nil {
					o.logger.Warn("failed to refresh task lock", zap.String("key", l.Key()), zap.Error(err))
				} else if err == nil && !ok {
					o.logger.Warn("task lock was lost", zap.String("key", l.Key()))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Cancel marks a PENDING or PROCESSING task FAILED. A run in this process stops
// before its next item; runs elsewhere stop at their next progress write.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*domain.BatchTask, error) {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.CanCancel() {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTaskState, taskID, task.Status)
	}

	operator := operatorOf(ctx, nil)
	if err := o.tasks.Cancel(ctx, taskID, cancelledMessage, operator, o.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: task %s changed state", domain.ErrInvalidTaskState, taskID)
		}
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	o.running.cancel(taskID)

	o.metrics.IncTaskFinished(strings.ToLower(task.Type.String()), "cancelled")
	observability.WithContextLogger(o.logger, ctx).Info("batch task cancelled", zap.String("taskId", taskID))
	return o.tasks.GetByID(ctx, taskID)
}

// Retry resets the FAILED details of a FAILED task to PENDING and processes it again.
func (o *Orchestrator) Retry(ctx context.Context, taskID string) (*domain.BatchTask, error) {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.CanRetry() {
		return nil, fmt.Errorf("%w: only FAILED tasks can be retried, task %s is %s", domain.ErrInvalidTaskState, taskID, task.Status)
	}

	reset, err := o.tasks.ResetForRetry(ctx, taskID, operatorOf(ctx, nil))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: task %s changed state", domain.ErrInvalidTaskState, taskID)
		}
		return nil, fmt.Errorf("failed to reset task: %w", err)
	}

	observability.WithContextLogger(o.logger, ctx).Info("batch task reset for retry",
		zap.String("taskId", taskID),
		zap.Int64("resetDetails", reset),
	)
	return o.Process(ctx, taskID)
}

func (o *Orchestrator) UpdateName(ctx context.Context, taskID, name string) (*domain.BatchTask, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: task name is required", domain.ErrInvalidInput)
	}

	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.CanModify() {
		return nil, fmt.Errorf("%w: only PENDING tasks can be renamed, task %s is %s", domain.ErrInvalidTaskState, taskID, task.Status)
	}

	if err := o.tasks.UpdateName(ctx, taskID, name, operatorOf(ctx, nil)); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: task %s changed state", domain.ErrInvalidTaskState, taskID)
		}
		return nil, err
	}
	return o.tasks.GetByID(ctx, taskID)
}

// Delete removes a task and its details. Running tasks must be cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, taskID string) error {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusProcessing {
		return fmt.Errorf("%w: task %s is processing", domain.ErrInvalidTaskState, taskID)
	}
	return o.tasks.Delete(ctx, taskID)
}

func (o *Orchestrator) Get(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	counts, err := o.details.CountByStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskView{Task: task, Counts: counts}, nil
}

func (o *Orchestrator) ListDetails(ctx context.Context, taskID string, status *domain.DetailStatus, page, pageSize int) ([]domain.BatchDetail, int64, error) {
	if _, err := o.tasks.GetByID(ctx, taskID); err != nil {
		return nil, 0, err
	}
	return o.details.ListByTask(ctx, taskID, status, page, pageSize)
}

func (o *Orchestrator) ListTasks(ctx context.Context, params repository.TaskListParams) ([]domain.BatchTask, int64, error) {
	return o.tasks.List(ctx, params)
}

type runRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{cancels: make(map[string]context.CancelCauseFunc)}
}

func (r *runRegistry) register(taskID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[taskID] = cancel
}

func (r *runRegistry) unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, taskID)
}

func (r *runRegistry) cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel(errTaskCancelled)
	}
	return ok
}
