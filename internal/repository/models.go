package repository

import (
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"gorm.io/datatypes"
)

const (
	PartitionTable   = "binding_partition"
	BatchTaskTable   = "batch_binding_task"
	BatchDetailTable = "batch_binding_detail"
)

// BindingModel is the persistence model for one binding partition. It has no fixed
// table; every query selects the partition explicitly with db.Table.
type BindingModel struct {
	BindingID      int64                `gorm:"column:binding_id;primaryKey;autoIncrement:false"`
	NumberID       *int64               `gorm:"column:number_id"`
	Number         string               `gorm:"column:number;type:varchar(32);not null"`
	IMSIID         *int64               `gorm:"column:imsi_id"`
	IMSI           string               `gorm:"column:imsi;type:varchar(32);not null"`
	ICCID          *string              `gorm:"column:iccid;type:varchar(32)"`
	Status         domain.BindingStatus `gorm:"column:binding_status;type:varchar(16);not null"`
	Type           domain.BindingType   `gorm:"column:binding_type;type:varchar(16);not null"`
	BindingTime    time.Time            `gorm:"column:binding_time;not null"`
	UnbindTime     *time.Time           `gorm:"column:unbind_time"`
	OrderID        *int64               `gorm:"column:order_id"`
	OperatorUserID *int64               `gorm:"column:operator_user_id"`
	Remark         *string              `gorm:"column:remark;type:varchar(500)"`
	CreatedBy      *int64               `gorm:"column:create_user_id"`
	UpdatedBy      *int64               `gorm:"column:update_user_id"`
	CreatedAt      time.Time            `gorm:"column:create_time"`
	UpdatedAt      time.Time            `gorm:"column:update_time"`
}

// PartitionModel records a binding partition that has been created.
type PartitionModel struct {
	Name      string `gorm:"type:varchar(64);primaryKey"`
	Prefix    string `gorm:"type:varchar(8);not null"`
	CreatedAt time.Time
}

func (PartitionModel) TableName() string {
	return PartitionTable
}

// BatchTaskModel is the persistence model for batch_binding_task.
type BatchTaskModel struct {
	ID           string            `gorm:"type:uuid;primaryKey"`
	Name         string            `gorm:"type:varchar(128);not null"`
	Type         domain.TaskType   `gorm:"type:varchar(16);not null"`
	Status       domain.TaskStatus `gorm:"type:varchar(20);not null"`
	TotalCount   int               `gorm:"not null;default:0"`
	SuccessCount int               `gorm:"not null;default:0"`
	FailCount    int               `gorm:"not null;default:0"`
	StartTime    *time.Time
	EndTime      *time.Time
	ErrorMessage *string                               `gorm:"type:text"`
	Params       datatypes.JSONType[domain.TaskParams] `gorm:"column:params"`
	CreatedBy    *int64
	UpdatedBy    *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (BatchTaskModel) TableName() string {
	return BatchTaskTable
}

// BatchDetailModel is the persistence model for batch_binding_detail.
type BatchDetailModel struct {
	ID           string              `gorm:"type:uuid;primaryKey"`
	TaskID       string              `gorm:"type:uuid;not null"`
	Seq          int                 `gorm:"not null"`
	Number       string              `gorm:"type:varchar(32);not null"`
	IMSI         string              `gorm:"column:imsi;type:varchar(32);not null"`
	ICCID        *string             `gorm:"column:iccid;type:varchar(32)"`
	Status       domain.DetailStatus `gorm:"type:varchar(16);not null"`
	ErrorMessage *string             `gorm:"type:text"`
	ProcessTime  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (BatchDetailModel) TableName() string {
	return BatchDetailTable
}

func bindingModelFromDomain(b *domain.Binding) *BindingModel {
	if b == nil {
		return nil
	}

	return &BindingModel{
		BindingID:      b.BindingID,
		NumberID:       b.NumberID,
		Number:         b.Number,
		IMSIID:         b.IMSIID,
		IMSI:           b.IMSI,
		ICCID:          b.ICCID,
		Status:         b.Status,
		Type:           b.Type,
		BindingTime:    b.BindingTime,
		UnbindTime:     b.UnbindTime,
		OrderID:        b.OrderID,
		OperatorUserID: b.OperatorUserID,
		Remark:         b.Remark,
		CreatedBy:      b.CreatedBy,
		UpdatedBy:      b.UpdatedBy,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func bindingModelToDomain(m *BindingModel) *domain.Binding {
	if m == nil {
		return nil
	}

	return &domain.Binding{
		BindingID:      m.BindingID,
		NumberID:       m.NumberID,
		Number:         m.Number,
		IMSIID:         m.IMSIID,
		IMSI:           m.IMSI,
		ICCID:          m.ICCID,
		Status:         m.Status,
		Type:           m.Type,
		BindingTime:    m.BindingTime,
		UnbindTime:     m.UnbindTime,
		OrderID:        m.OrderID,
		OperatorUserID: m.OperatorUserID,
		Remark:         m.Remark,
		CreatedBy:      m.CreatedBy,
		UpdatedBy:      m.UpdatedBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func taskModelFromDomain(t *domain.BatchTask) *BatchTaskModel {
	if t == nil {
		return nil
	}

	return &BatchTaskModel{
		ID:           t.ID,
		Name:         t.Name,
		Type:         t.Type,
		Status:       t.Status,
		TotalCount:   t.TotalCount,
		SuccessCount: t.SuccessCount,
		FailCount:    t.FailCount,
		StartTime:    t.StartTime,
		EndTime:      t.EndTime,
		ErrorMessage: t.ErrorMessage,
		Params:       datatypes.NewJSONType(t.Params),
		CreatedBy:    t.CreatedBy,
		UpdatedBy:    t.UpdatedBy,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func taskModelToDomain(m *BatchTaskModel) *domain.BatchTask {
	if m == nil {
		return nil
	}

	return &domain.BatchTask{
		ID:           m.ID,
		Name:         m.Name,
		Type:         m.Type,
		Status:       m.Status,
		TotalCount:   m.TotalCount,
		SuccessCount: m.SuccessCount,
		FailCount:    m.FailCount,
		StartTime:    m.StartTime,
		EndTime:      m.EndTime,
		ErrorMessage: m.ErrorMessage,
		Params:       m.Params.Data(),
		CreatedBy:    m.CreatedBy,
		UpdatedBy:    m.UpdatedBy,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func detailModelFromDomain(d *domain.BatchDetail) *BatchDetailModel {
	if d == nil {
		return nil
	}

	return &BatchDetailModel{
		ID:           d.ID,
		TaskID:       d.TaskID,
		Seq:          d.Seq,
		Number:       d.Number,
		IMSI:         d.IMSI,
		ICCID:        d.ICCID,
		Status:       d.Status,
		ErrorMessage: d.ErrorMessage,
		ProcessTime:  d.ProcessTime,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func detailModelToDomain(m *BatchDetailModel) *domain.BatchDetail {
	if m == nil {
		return nil
	}

	return &domain.BatchDetail{
		ID:           m.ID,
		TaskID:       m.TaskID,
		Seq:          m.Seq,
		Number:       m.Number,
		IMSI:         m.IMSI,
		ICCID:        m.ICCID,
		Status:       m.Status,
		ErrorMessage: m.ErrorMessage,
		ProcessTime:  m.ProcessTime,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
