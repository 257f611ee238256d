package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 100

type BindingListParams struct {
	NumberPrefix string
	IMSI         string
	Status       *domain.BindingStatus
	Type         *domain.BindingType
	OrderID      *int64
	Page         int
	PageSize     int
	// Offset and Limit replace Page and PageSize when Limit is positive; used for
	// windows that span partitions.
	Offset int
	Limit  int
}

// StatusCounts is the number of binding rows per status in one or more partitions.
type StatusCounts struct {
	Bound   int64
	Unbound int64
}

func (c StatusCounts) Total() int64 {
	return c.Bound + c.Unbound
}

func (c StatusCounts) Add(other StatusCounts) StatusCounts {
	return StatusCounts{Bound: c.Bound + other.Bound, Unbound: c.Unbound + other.Unbound}
}

// BindingRepository is partition-scoped storage for binding records. Every call takes
// the partition name resolved by shard.Router; lookups never enforce uniqueness.
type BindingRepository interface {
	EnsurePartition(ctx context.Context, partition string) error
	ListPartitions(ctx context.Context, limit int) ([]string, error)
	FindByNumber(ctx context.Context, partition, number string) (*domain.Binding, error)
	FindByIMSI(ctx context.Context, partition, imsi string) (*domain.Binding, error)
	FindByICCID(ctx context.Context, partition, iccid string) (*domain.Binding, error)
	FindByNumberAndIMSI(ctx context.Context, partition, number, imsi string) (*domain.Binding, error)
	FindByOrderID(ctx context.Context, partition string, orderID int64) ([]domain.Binding, error)
	FindLatestByNumber(ctx context.Context, partition, number string) (*domain.Binding, error)
	GetByID(ctx context.Context, partition string, bindingID int64) (*domain.Binding, error)
	List(ctx context.Context, partition string, params BindingListParams) ([]domain.Binding, int64, error)
	Count(ctx context.Context, partition string, params BindingListParams) (int64, error)
	BatchInsert(ctx context.Context, partition string, bindings []*domain.Binding) error
	BatchUpdateStatus(ctx context.Context, partition string, bindingIDs []int64, stamp domain.UnbindStamp) (int64, error)
	CountByStatus(ctx context.Context, partition string) (StatusCounts, error)
}

type GormBindingRepo struct {
	db     *gorm.DB
	router *shard.Router
	known  sync.Map
}

func NewGormBindingRepo(db *gorm.DB, router *shard.Router) *GormBindingRepo {
	return &GormBindingRepo{db: db, router: router}
}

// EnsurePartition creates the partition table, its BOUND-only unique indexes and its
// catalog entry. It is safe to call concurrently and repeatedly.
func (r *GormBindingRepo) EnsurePartition(ctx context.Context, partition string) error {
	prefix, err := r.prefixOf(partition)
	if err != nil {
		return err
	}
	if _, ok := r.known.Load(partition); ok {
		return nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(partition).AutoMigrate(&BindingModel{}); err != nil {
			return err
		}
		for _, stmt := range partitionIndexes(partition) {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&PartitionModel{Name: partition, Prefix: prefix}).Error
	})
	if err != nil {
		// Another process may have created the same partition concurrently.
		if ok, existsErr := r.catalogued(ctx, partition); existsErr == nil && ok {
			r.known.Store(partition, struct{}{})
			return nil
		}
		return fmt.Errorf("failed to create partition %s: %w", partition, err)
	}

	r.known.Store(partition, struct{}{})
	return nil
}

func partitionIndexes(partition string) []string {
	return []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uk_%[1]s_number_bound ON %[1]s (number) WHERE binding_status = 'BOUND'`, partition),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uk_%[1]s_imsi_bound ON %[1]s (imsi) WHERE binding_status = 'BOUND'`, partition),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uk_%[1]s_iccid_bound ON %[1]s (iccid) WHERE binding_status = 'BOUND' AND iccid IS NOT NULL`, partition),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_number_time ON %[1]s (number, binding_time)`, partition),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_imsi ON %[1]s (imsi)`, partition),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_order_id ON %[1]s (order_id) WHERE order_id IS NOT NULL`, partition),
	}
}

// ListPartitions returns catalogued partitions in name order. limit <= 0 means no limit.
func (r *GormBindingRepo) ListPartitions(ctx context.Context, limit int) ([]string, error) {
	query := r.db.WithContext(ctx).Model(&PartitionModel{}).Order("name ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var names []string
	if err := query.Pluck("name", &names).Error; err != nil {
		return nil, err
	}
	for _, name := range names {
		r.known.Store(name, struct{}{})
	}
	return names, nil
}

func (r *GormBindingRepo) FindByNumber(ctx context.Context, partition, number string) (*domain.Binding, error) {
	return r.findBound(ctx, partition, "number = ?", number)
}

func (r *GormBindingRepo) FindByIMSI(ctx context.Context, partition, imsi string) (*domain.Binding, error) {
	return r.findBound(ctx, partition, "imsi = ?", imsi)
}

func (r *GormBindingRepo) FindByICCID(ctx context.Context, partition, iccid string) (*domain.Binding, error) {
	return r.findBound(ctx, partition, "iccid = ?", iccid)
}

func (r *GormBindingRepo) FindByNumberAndIMSI(ctx context.Context, partition, number, imsi string) (*domain.Binding, error) {
	return r.findBound(ctx, partition, "number = ? AND imsi = ?", number, imsi)
}

// FindLatestByNumber returns the most recent record for number regardless of status.
func (r *GormBindingRepo) FindLatestByNumber(ctx context.Context, partition, number string) (*domain.Binding, error) {
	return r.findOne(ctx, partition, "number = ?", number)
}

func (r *GormBindingRepo) GetByID(ctx context.Context, partition string, bindingID int64) (*domain.Binding, error) {
	return r.findOne(ctx, partition, "binding_id = ?", bindingID)
}

func (r *GormBindingRepo) findBound(ctx context.Context, partition, where string, args ...any) (*domain.Binding, error) {
	where += " AND binding_status = ?"
	args = append(args, domain.BindingStatusBound)
	return r.findOne(ctx, partition, where, args...)
}

func (r *GormBindingRepo) findOne(ctx context.Context, partition, where string, args ...any) (*domain.Binding, error) {
	ok, err := r.exists(ctx, partition)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrBindingNotFound
	}

	var model BindingModel
	err = r.db.WithContext(ctx).
		Table(partition).
		Where(where, args...).
		Order("binding_time DESC").
		Order("binding_id DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return bindingModelToDomain(&model), nil
}

func (r *GormBindingRepo) FindByOrderID(ctx context.Context, partition string, orderID int64) ([]domain.Binding, error) {
	ok, err := r.exists(ctx, partition)
	if err != nil || !ok {
		return []domain.Binding{}, err
	}

	var models []BindingModel
	err = r.db.WithContext(ctx).
		Table(partition).
		Where("order_id = ?", orderID).
		Order("binding_time DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return bindingsToDomain(models), nil
}

func (r *GormBindingRepo) List(ctx context.Context, partition string, params BindingListParams) ([]domain.Binding, int64, error) {
	ok, err := r.exists(ctx, partition)
	if err != nil || !ok {
		return []domain.Binding{}, 0, err
	}

	query := applyBindingFilters(r.db.WithContext(ctx).Table(partition), params)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := params.Offset, params.Limit
	if limit < 1 {
		page := max(params.Page, 1)
		limit = params.PageSize
		if limit < 1 {
			limit = 50
		}
		limit = min(limit, 100)
		offset = (page - 1) * limit
	}

	var models []BindingModel
	err = query.
		Order("binding_time DESC").
		Order("binding_id DESC").
		Offset(max(offset, 0)).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return bindingsToDomain(models), total, nil
}

// Count returns how many rows of partition match the filters in params.
func (r *GormBindingRepo) Count(ctx context.Context, partition string, params BindingListParams) (int64, error) {
	ok, err := r.exists(ctx, partition)
	if err != nil || !ok {
		return 0, err
	}

	var total int64
	err = applyBindingFilters(r.db.WithContext(ctx).Table(partition), params).Count(&total).Error
	return total, err
}

func applyBindingFilters(query *gorm.DB, params BindingListParams) *gorm.DB {
	if prefix := strings.TrimSpace(params.NumberPrefix); prefix != "" {
		query = query.Where("number LIKE ?", prefix+"%")
	}
	if imsi := strings.TrimSpace(params.IMSI); imsi != "" {
		query = query.Where("imsi = ?", imsi)
	}
	if params.Status != nil {
		query = query.Where("binding_status = ?", *params.Status)
	}
	if params.Type != nil {
		query = query.Where("binding_type = ?", *params.Type)
	}
	if params.OrderID != nil {
		query = query.Where("order_id = ?", *params.OrderID)
	}
	return query
}

// BatchInsert appends records to partition, creating the partition on first write.
// Two BOUND rows sharing a number, IMSI or ICCID yield domain.ErrConflict, whether
// the clash is inside the batch or against stored rows.
func (r *GormBindingRepo) BatchInsert(ctx context.Context, partition string, bindings []*domain.Binding) error {
	models := make([]BindingModel, 0, len(bindings))
	modelIndexes := make([]int, 0, len(bindings))
	for i, b := range bindings {
		if b == nil {
			continue
		}
		if err := b.Validate(); err != nil {
			return err
		}
		models = append(models, *bindingModelFromDomain(b))
		modelIndexes = append(modelIndexes, i)
	}

	if len(models) == 0 {
		return nil
	}
	if err := checkBatchConflicts(models); err != nil {
		return err
	}
	if err := r.EnsurePartition(ctx, partition); err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Table(partition).CreateInBatches(&models, insertBatchSize).Error; err != nil {
		return translateError(err)
	}

	for i := range models {
		idx := modelIndexes[i]
		*bindings[idx] = *bindingModelToDomain(&models[i])
	}
	return nil
}

func checkBatchConflicts(models []BindingModel) error {
	numbers := make(map[string]struct{}, len(models))
	imsis := make(map[string]struct{}, len(models))
	iccids := make(map[string]struct{}, len(models))

	for i := range models {
		m := &models[i]
		if m.Status != domain.BindingStatusBound {
			continue
		}
		if _, dup := numbers[m.Number]; dup {
			return fmt.Errorf("%w: number %s appears twice as BOUND in batch", domain.ErrConflict, m.Number)
		}
		numbers[m.Number] = struct{}{}
		if _, dup := imsis[m.IMSI]; dup {
			return fmt.Errorf("%w: imsi %s appears twice as BOUND in batch", domain.ErrConflict, m.IMSI)
		}
		imsis[m.IMSI] = struct{}{}
		if m.ICCID != nil {
			if _, dup := iccids[*m.ICCID]; dup {
				return fmt.Errorf("%w: iccid %s appears twice as BOUND in batch", domain.ErrConflict, *m.ICCID)
			}
			iccids[*m.ICCID] = struct{}{}
		}
	}
	return nil
}

// BatchUpdateStatus moves BOUND records to UNBOUND. Rows that are already UNBOUND are
// left untouched, so re-applying the same ids succeeds. It returns the number of rows
// that changed.
func (r *GormBindingRepo) BatchUpdateStatus(ctx context.Context, partition string, bindingIDs []int64, stamp domain.UnbindStamp) (int64, error) {
	if len(bindingIDs) == 0 {
		return 0, nil
	}
	ok, err := r.exists(ctx, partition)
	if err != nil || !ok {
		return 0, err
	}

	unbindTime := stamp.UnbindTime
	if unbindTime.IsZero() {
		unbindTime = time.Now().UTC()
	}
	updates := map[string]any{
		"binding_status": domain.BindingStatusUnbound,
		"unbind_time":    unbindTime,
		"update_time":    unbindTime,
	}
	if stamp.OperatorUserID != nil {
		updates["operator_user_id"] = *stamp.OperatorUserID
		updates["update_user_id"] = *stamp.OperatorUserID
	}
	if stamp.Remark != nil {
		updates["remark"] = *stamp.Remark
	}

	result := r.db.WithContext(ctx).
		Table(partition).
		Where("binding_id IN ? AND binding_status = ?", bindingIDs, domain.BindingStatusBound).
		Updates(updates)
	if result.Error != nil {
		return 0, translateError(result.Error)
	}
	return result.RowsAffected, nil
}

type statusCountRow struct {
	Status domain.BindingStatus `gorm:"column:status"`
	Count  int64                `gorm:"column:count"`
}

func (r *GormBindingRepo) CountByStatus(ctx context.Context, partition string) (StatusCounts, error) {
	ok, err := r.exists(ctx, partition)
	if err != nil || !ok {
		return StatusCounts{}, err
	}

	var rows []statusCountRow
	err = r.db.WithContext(ctx).
		Table(partition).
		Select("binding_status AS status, COUNT(*) AS count").
		Group("binding_status").
		Scan(&rows).Error
	if err != nil {
		return StatusCounts{}, err
	}

	var counts StatusCounts
	for _, row := range rows {
		switch row.Status {
		case domain.BindingStatusBound:
			counts.Bound = row.Count
		case domain.BindingStatusUnbound:
			counts.Unbound = row.Count
		}
	}
	return counts, nil
}

// exists reports whether the partition has been created. Unknown partitions hold no
// rows, so reads against them are answered without touching a missing table.
func (r *GormBindingRepo) exists(ctx context.Context, partition string) (bool, error) {
	if _, err := r.prefixOf(partition); err != nil {
		return false, err
	}
	if _, ok := r.known.Load(partition); ok {
		return true, nil
	}

	ok, err := r.catalogued(ctx, partition)
	if err != nil {
		return false, err
	}
	if ok {
		r.known.Store(partition, struct{}{})
	}
	return ok, nil
}

func (r *GormBindingRepo) catalogued(ctx context.Context, partition string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&PartitionModel{}).
		Where("name = ?", partition).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormBindingRepo) prefixOf(partition string) (string, error) {
	prefix, ok := r.router.PrefixOf(partition)
	if !ok {
		return "", fmt.Errorf("%w: unknown partition %q", domain.ErrInvalidInput, partition)
	}
	return prefix, nil
}

func bindingsToDomain(models []BindingModel) []domain.Binding {
	bindings := make([]domain.Binding, 0, len(models))
	for i := range models {
		bindings = append(bindings, *bindingModelToDomain(&models[i]))
	}
	return bindings
}
