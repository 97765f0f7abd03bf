package library

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Failure kinds reported by ledger operations. Callers match them with errors.Is.
var (
	// ErrInvalidInput is returned when a request fails validation. Nothing was written.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the referenced book does not exist.
	ErrNotFound = errors.New("book not found")

	// ErrUnavailable is returned when a borrow finds no free copy at the time of the update.
	ErrUnavailable = errors.New("no copies available")

	// ErrStorage is returned when the store could not complete the transaction.
	ErrStorage = errors.New("storage failure")

	// ErrNothingOnLoan is returned by ReturnCopy when every copy is already on the shelf.
	ErrNothingOnLoan = fmt.Errorf("%w: no copies of this book are on loan", ErrInvalidInput)
)

// ErrConflict is the same failure as ErrUnavailable; a concurrent borrow took the last copy.
var ErrConflict = ErrUnavailable

// ValidationError reports the fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func invalidField(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, f+": "+e.Fields[f])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrInvalidInput) true.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// StorageError wraps a driver error raised while running Op.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrStorage and the driver error.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// storageErr wraps err unless it already carries a ledger failure kind.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Outcome names the failure kind of err for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "storage_failure"
	}
}
