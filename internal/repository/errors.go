package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/binding-engine/internal/domain"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// translateError maps storage-level unique violations to domain.ErrConflict and leaves
// every other error untouched.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolationError(err) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
