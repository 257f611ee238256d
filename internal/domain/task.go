package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskType selects the operation applied to every item of a batch task.
type TaskType string

const (
	TaskTypeBind   TaskType = "BIND"
	TaskTypeUnbind TaskType = "UNBIND"
)

func (t TaskType) String() string { return string(t) }

func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeBind, TaskTypeUnbind:
		return true
	}
	return false
}

func ParseTaskTypeFromString(s string) (TaskType, error) {
	tt := TaskType(strings.ToUpper(strings.TrimSpace(s)))
	if !tt.IsValid() {
		return "", fmt.Errorf("%w: invalid task type %q", ErrInvalidInput, s)
	}
	return tt, nil
}

// TaskStatus represents the lifecycle state of a batch task.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "PENDING"
	TaskStatusProcessing     TaskStatus = "PROCESSING"
	TaskStatusSuccess        TaskStatus = "SUCCESS"
	TaskStatusFailed         TaskStatus = "FAILED"
	TaskStatusPartialSuccess TaskStatus = "PARTIAL_SUCCESS"
	TaskStatusCompleted      TaskStatus = "COMPLETED"
)

func (s TaskStatus) String() string { return string(s) }

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusSuccess, TaskStatusFailed,
		TaskStatusPartialSuccess, TaskStatusCompleted:
		return true
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusPartialSuccess, TaskStatusCompleted:
		return true
	}
	return false
}

func ParseTaskStatusFromString(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid task status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// AggregateTaskStatus derives the terminal status of a fully processed task.
func AggregateTaskStatus(successCount, failCount int) TaskStatus {
	switch {
	case failCount == 0:
		return TaskStatusSuccess
	case successCount == 0:
		return TaskStatusFailed
	default:
		return TaskStatusPartialSuccess
	}
}

// DetailStatus is the per-item outcome inside a batch task.
type DetailStatus string

const (
	DetailStatusPending DetailStatus = "PENDING"
	DetailStatusSuccess DetailStatus = "SUCCESS"
	DetailStatusFailed  DetailStatus = "FAILED"
)

func (s DetailStatus) String() string { return string(s) }

func (s DetailStatus) IsValid() bool {
	switch s {
	case DetailStatusPending, DetailStatusSuccess, DetailStatusFailed:
		return true
	}
	return false
}

func ParseDetailStatusFromString(s string) (DetailStatus, error) {
	ds := DetailStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !ds.IsValid() {
		return "", fmt.Errorf("%w: invalid detail status %q", ErrInvalidInput, s)
	}
	return ds, nil
}

// TaskParams are the submission options applied to every item of a task.
type TaskParams struct {
	BindingType    BindingType `json:"bindingType,omitempty"`
	OperatorUserID *int64      `json:"operatorUserId,omitempty"`
	OrderID        *int64      `json:"orderId,omitempty"`
	Remark         *string     `json:"remark,omitempty"`
}

// BatchTask is a tracked unit of bulk bind or unbind work.
type BatchTask struct {
	ID           string
	Name         string
	Type         TaskType
	Status       TaskStatus
	TotalCount   int
	SuccessCount int
	FailCount    int
	StartTime    *time.Time
	EndTime      *time.Time
	ErrorMessage *string
	Params       TaskParams
	CreatedBy    *int64
	UpdatedBy    *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t *BatchTask) CanProcess() bool {
	return t != nil && (t.Status == TaskStatusPending || t.Status == TaskStatusProcessing)
}

func (t *BatchTask) CanCancel() bool {
	return t != nil && (t.Status == TaskStatusPending || t.Status == TaskStatusProcessing)
}

func (t *BatchTask) CanRetry() bool {
	return t != nil && t.Status == TaskStatusFailed
}

func (t *BatchTask) CanModify() bool {
	return t != nil && t.Status == TaskStatusPending
}

// BatchDetail is one line item of a batch task.
type BatchDetail struct {
	ID           string
	TaskID       string
	Seq          int
	Number       string
	IMSI         string
	ICCID        *string
	Status       DetailStatus
	ErrorMessage *string
	ProcessTime  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BatchItem is a caller-supplied line before it becomes a BatchDetail.
type BatchItem struct {
	Number string
	IMSI   string
	ICCID  *string
}

func (i BatchItem) Validate() error {
	if strings.TrimSpace(i.Number) == "" {
		return fmt.Errorf("%w: number is required", ErrInvalidInput)
	}
	if strings.TrimSpace(i.IMSI) == "" {
		return fmt.Errorf("%w: imsi is required", ErrInvalidInput)
	}
	return nil
}
