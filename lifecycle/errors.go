package lifecycle

import (
	"errors"
	"fmt"

	"github.com/c360studio/choreboard/storage"
)

// ErrInvalidTransition is returned when an operation is not allowed from the
// task's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

func invalidTransition(from, to storage.Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ValidationError is returned for malformed operation input.
type ValidationError = storage.ValidationError
