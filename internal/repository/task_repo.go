package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"gorm.io/gorm"
)

type TaskListParams struct {
	Status   *domain.TaskStatus
	Type     *domain.TaskType
	Page     int
	PageSize int
}

// TaskResult is the aggregate written when a task leaves PROCESSING.
type TaskResult struct {
	Status       domain.TaskStatus
	SuccessCount int
	FailCount    int
	ErrorMessage *string
	EndTime      time.Time
}

// TaskRepository stores batch tasks. State-changing calls are conditional on the
// current status and return domain.ErrConflict when the row is not in an allowed state.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.BatchTask, details []*domain.BatchDetail) error
	GetByID(ctx context.Context, id string) (*domain.BatchTask, error)
	List(ctx context.Context, params TaskListParams) ([]domain.BatchTask, int64, error)
	UpdateName(ctx context.Context, id, name string, updatedBy *int64) error
	MarkProcessing(ctx context.Context, id string, startTime time.Time) error
	UpdateProgress(ctx context.Context, id string, successCount, failCount int) error
	SettleCancelled(ctx context.Context, id string, successCount, failCount int) error
	Finish(ctx context.Context, id string, result TaskResult) error
	Cancel(ctx context.Context, id string, message string, updatedBy *int64, endTime time.Time) error
	ResetForRetry(ctx context.Context, id string, updatedBy *int64) (int64, error)
	Delete(ctx context.Context, id string) error
	ListStale(ctx context.Context, statuses []domain.TaskStatus, updatedBefore time.Time, limit int) ([]domain.BatchTask, error)
}

type GormTaskRepo struct {
	db *gorm.DB
}

func NewGormTaskRepo(db *gorm.DB) *GormTaskRepo {
	return &GormTaskRepo{db: db}
}

// Create inserts the task and all of its details in one transaction.
func (r *GormTaskRepo) Create(ctx context.Context, task *domain.BatchTask, details []*domain.BatchDetail) error {
	taskModel := taskModelFromDomain(task)
	if taskModel == nil {
		return domain.ErrInvalidInput
	}

	detailModels := make([]BatchDetailModel, 0, len(details))
	for _, d := range details {
		if d != nil {
			detailModels = append(detailModels, *detailModelFromDomain(d))
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(taskModel).Error; err != nil {
			return err
		}
		if len(detailModels) == 0 {
			return nil
		}
		return tx.CreateInBatches(&detailModels, insertBatchSize).Error
	})
	if err != nil {
		return translateError(err)
	}

	*task = *taskModelToDomain(taskModel)
	idx := 0
	for _, d := range details {
		if d != nil {
			*d = *detailModelToDomain(&detailModels[idx])
			idx++
		}
	}
	return nil
}

func (r *GormTaskRepo) GetByID(ctx context.Context, id string) (*domain.BatchTask, error) {
	var model BatchTaskModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return taskModelToDomain(&model), nil
}

func (r *GormTaskRepo) List(ctx context.Context, params TaskListParams) ([]domain.BatchTask, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchTaskModel{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Type != nil {
		query = query.Where("type = ?", *params.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []BatchTaskModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return tasksToDomain(models), total, nil
}

func (r *GormTaskRepo) UpdateName(ctx context.Context, id, name string, updatedBy *int64) error {
	return r.conditionalUpdate(ctx, id, []domain.TaskStatus{domain.TaskStatusPending}, map[string]any{
		"name":       name,
		"updated_by": updatedBy,
	})
}

// MarkProcessing moves a PENDING task to PROCESSING. A task already PROCESSING keeps
// its original start time.
func (r *GormTaskRepo) MarkProcessing(ctx context.Context, id string, startTime time.Time) error {
	return r.conditionalUpdate(ctx, id,
		[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusProcessing},
		map[string]any{
			"status":     domain.TaskStatusProcessing,
			"start_time": gorm.Expr("COALESCE(start_time, ?)", startTime),
		})
}

// UpdateProgress writes running counts and bumps updated_at. ErrConflict means the
// task has left PROCESSING, usually because it was cancelled.
func (r *GormTaskRepo) UpdateProgress(ctx context.Context, id string, successCount, failCount int) error {
	return r.conditionalUpdate(ctx, id, []domain.TaskStatus{domain.TaskStatusProcessing}, map[string]any{
		"success_count": successCount,
		"fail_count":    failCount,
	})
}

// Finish stamps the aggregate outcome. It only applies to a PROCESSING task, so a
// concurrent cancel is never overwritten.
func (r *GormTaskRepo) Finish(ctx context.Context, id string, result TaskResult) error {
	return r.conditionalUpdate(ctx, id, []domain.TaskStatus{domain.TaskStatusProcessing}, map[string]any{
		"status":        result.Status,
		"success_count": result.SuccessCount,
		"fail_count":    result.FailCount,
		"error_message": result.ErrorMessage,
		"end_time":      result.EndTime,
	})
}

func (r *GormTaskRepo) Cancel(ctx context.Context, id string, message string, updatedBy *int64, endTime time.Time) error {
	return r.conditionalUpdate(ctx, id,
		[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusProcessing},
		map[string]any{
			"status":        domain.TaskStatusFailed,
			"error_message": message,
			"end_time":      endTime,
			"updated_by":    updatedBy,
		})
}

// SettleCancelled writes the detail counts reached before a cancel stopped the run.
func (r *GormTaskRepo) SettleCancelled(ctx context.Context, id string, successCount, failCount int) error {
	return r.conditionalUpdate(ctx, id, []domain.TaskStatus{domain.TaskStatusFailed}, map[string]any{
		"success_count": successCount,
		"fail_count":    failCount,
	})
}

// ResetForRetry returns a FAILED task to PENDING and its FAILED details to PENDING.
// Details that already succeeded are kept. It returns the number of details reset.
func (r *GormTaskRepo) ResetForRetry(ctx context.Context, id string, updatedBy *int64) (int64, error) {
	var reset int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&BatchTaskModel{}).
			Where("id = ? AND status = ?", id, domain.TaskStatusFailed).
			Updates(map[string]any{
				"status":        domain.TaskStatusPending,
				"fail_count":    0,
				"error_message": nil,
				"end_time":      nil,
				"updated_by":    updatedBy,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConflict
		}

		result = tx.Model(&BatchDetailModel{}).
			Where("task_id = ? AND status = ?", id, domain.DetailStatusFailed).
			Updates(map[string]any{
				"status":        domain.DetailStatusPending,
				"error_message": nil,
				"process_time":  nil,
			})
		if result.Error != nil {
			return result.Error
		}
		reset = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// Delete removes the task and its details.
func (r *GormTaskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&BatchDetailModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&BatchTaskModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// ListStale returns tasks in one of statuses whose last update is older than updatedBefore.
func (r *GormTaskRepo) ListStale(ctx context.Context, statuses []domain.TaskStatus, updatedBefore time.Time, limit int) ([]domain.BatchTask, error) {
	var models []BatchTaskModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", statuses, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return tasksToDomain(models), nil
}

func (r *GormTaskRepo) conditionalUpdate(ctx context.Context, id string, allowed []domain.TaskStatus, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&BatchTaskModel{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrConflict
}

func tasksToDomain(models []BatchTaskModel) []domain.BatchTask {
	tasks := make([]domain.BatchTask, 0, len(models))
	for i := range models {
		tasks = append(tasks, *taskModelToDomain(&models[i]))
	}
	return tasks
}
