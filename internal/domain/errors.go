package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyBound     = errors.New("already bound")
	ErrBindingNotFound  = errors.New("binding not found")
	ErrInvalidTaskState = errors.New("invalid task state")
	ErrLockAcquisition  = errors.New("lock not acquired")
	ErrConflict         = errors.New("storage conflict")
	ErrNotFound         = errors.New("not found")
	ErrEmptyList        = fmt.Errorf("%w: list is empty", ErrInvalidInput)
)

// BindingField names the identifier that violated a uniqueness invariant.
type BindingField string

const (
	FieldNumber BindingField = "number"
	FieldIMSI   BindingField = "imsi"
	FieldICCID  BindingField = "iccid"
)

// AlreadyBoundError reports which identifier already has an active binding.
type AlreadyBoundError struct {
	Field     BindingField
	Value     string
	BindingID int64
}

func (e *AlreadyBoundError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %q already bound (binding %d)", e.Field, e.Value, e.BindingID)
}

func (e *AlreadyBoundError) Is(target error) bool {
	return target == ErrAlreadyBound
}

func NewAlreadyBoundError(field BindingField, value string, bindingID int64) error {
	return &AlreadyBoundError{Field: field, Value: value, BindingID: bindingID}
}
