package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"gorm.io/gorm"
)

type DetailRepository interface {
	ListPending(ctx context.Context, taskID string, afterSeq, limit int) ([]domain.BatchDetail, error)
	ListByTask(ctx context.Context, taskID string, status *domain.DetailStatus, page, pageSize int) ([]domain.BatchDetail, int64, error)
	MarkResult(ctx context.Context, id string, status domain.DetailStatus, errMsg *string, processTime time.Time) error
	CountByStatus(ctx context.Context, taskID string) (map[domain.DetailStatus]int, error)
}

type GormDetailRepo struct {
	db *gorm.DB
}

func NewGormDetailRepo(db *gorm.DB) *GormDetailRepo {
	return &GormDetailRepo{db: db}
}

// ListPending returns PENDING details with seq greater than afterSeq, in seq order.
func (r *GormDetailRepo) ListPending(ctx context.Context, taskID string, afterSeq, limit int) ([]domain.BatchDetail, error) {
	var models []BatchDetailModel
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND status = ? AND seq > ?", taskID, domain.DetailStatusPending, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return detailsToDomain(models), nil
}

func (r *GormDetailRepo) ListByTask(ctx context.Context, taskID string, status *domain.DetailStatus, page, pageSize int) ([]domain.BatchDetail, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchDetailModel{}).Where("task_id = ?", taskID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 500)

	var models []BatchDetailModel
	err := query.
		Order("seq ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}
	return detailsToDomain(models), total, nil
}

// MarkResult records the outcome of a PENDING detail. A detail is written once; a
// second write returns domain.ErrConflict.
func (r *GormDetailRepo) MarkResult(ctx context.Context, id string, status domain.DetailStatus, errMsg *string, processTime time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BatchDetailModel{}).
		Where("id = ? AND status = ?", id, domain.DetailStatusPending).
		Updates(map[string]any{
			"status":        status,
			"error_message": errMsg,
			"process_time":  processTime,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

type detailCountRow struct {
	Status domain.DetailStatus `gorm:"column:status"`
	Count  int                 `gorm:"column:count"`
}

func (r *GormDetailRepo) CountByStatus(ctx context.Context, taskID string) (map[domain.DetailStatus]int, error) {
	var rows []detailCountRow
	err := r.db.WithContext(ctx).
		Model(&BatchDetailModel{}).
		Select("status, COUNT(*) as count").
		Where("task_id = ?", taskID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := map[domain.DetailStatus]int{
		domain.DetailStatusPending: 0,
		domain.DetailStatusSuccess: 0,
		domain.DetailStatusFailed:  0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func detailsToDomain(models []BatchDetailModel) []domain.BatchDetail {
	details := make([]domain.BatchDetail, 0, len(models))
	for i := range models {
		details = append(details, *detailModelToDomain(&models[i]))
	}
	return details
}
