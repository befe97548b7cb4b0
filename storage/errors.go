package storage

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidID is returned when an id string is not a valid entity id.
	ErrInvalidID = errors.New("invalid entity id")

	// ErrAlreadyExists is returned when creating a key that is already present.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflict is returned when a revision-checked write keeps losing to
	// concurrent writers.
	ErrConflict = errors.New("concurrent modification")

	// ErrStore matches every *StoreError.
	ErrStore = errors.New("store unavailable")

	// errRevisionMismatch signals a lost compare-and-set; callers re-read.
	errRevisionMismatch = errors.New("wrong last sequence")
)

// StoreError wraps a connectivity or query failure of the backing bucket.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrStore as a match so callers need not know the concrete type.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// ValidationError represents malformed input rejected before reaching the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
