package domain

import (
	"fmt"
	"strings"
	"time"
)

// BindingStatus represents whether a binding is active.
type BindingStatus string

const (
	BindingStatusBound   BindingStatus = "BOUND"
	BindingStatusUnbound BindingStatus = "UNBOUND"
)

func (s BindingStatus) String() string { return string(s) }

func (s BindingStatus) IsValid() bool {
	switch s {
	case BindingStatusBound, BindingStatusUnbound:
		return true
	}
	return false
}

func ParseBindingStatusFromString(s string) (BindingStatus, error) {
	st := BindingStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid binding status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// BindingType records how a binding was created.
type BindingType string

const (
	BindingTypeNormal BindingType = "NORMAL"
	BindingTypeBatch  BindingType = "BATCH"
	BindingTypeTest   BindingType = "TEST"
)

func (t BindingType) String() string { return string(t) }

func (t BindingType) IsValid() bool {
	switch t {
	case BindingTypeNormal, BindingTypeBatch, BindingTypeTest:
		return true
	}
	return false
}

func ParseBindingTypeFromString(s string) (BindingType, error) {
	bt := BindingType(strings.ToUpper(strings.TrimSpace(s)))
	if !bt.IsValid() {
		return "", fmt.Errorf("%w: invalid binding type %q", ErrInvalidInput, s)
	}
	return bt, nil
}

// Binding associates a number with an IMSI and optionally an ICCID.
// Rows are never deleted; unbinding flips the status and stamps UnbindTime.
type Binding struct {
	BindingID      int64
	NumberID       *int64
	Number         string
	IMSIID         *int64
	IMSI           string
	ICCID          *string
	Status         BindingStatus
	Type           BindingType
	BindingTime    time.Time
	UnbindTime     *time.Time
	OrderID        *int64
	OperatorUserID *int64
	Remark         *string
	CreatedBy      *int64
	UpdatedBy      *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b *Binding) IsBound() bool {
	return b != nil && b.Status == BindingStatusBound
}

func (b *Binding) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: binding is required", ErrInvalidInput)
	}
	if b.BindingID <= 0 {
		return fmt.Errorf("%w: binding id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(b.Number) == "" {
		return fmt.Errorf("%w: number is required", ErrInvalidInput)
	}
	if strings.TrimSpace(b.IMSI) == "" {
		return fmt.Errorf("%w: imsi is required", ErrInvalidInput)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: invalid binding status %q", ErrInvalidInput, b.Status)
	}
	if !b.Type.IsValid() {
		return fmt.Errorf("%w: invalid binding type %q", ErrInvalidInput, b.Type)
	}
	if b.BindingTime.IsZero() {
		return fmt.Errorf("%w: binding time is required", ErrInvalidInput)
	}
	return nil
}

// UnbindStamp carries the audit fields written when bindings move to UNBOUND.
type UnbindStamp struct {
	UnbindTime     time.Time
	OperatorUserID *int64
	Remark         *string
}

// NormalizeOptional trims v and returns nil when it is empty.
func NormalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
