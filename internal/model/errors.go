package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is attempted on an
	// update (or decision) in the wrong state.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfigurationUnavailable is returned when an agent's learning
	// configuration could not be read. Callers fall back to the default.
	ErrConfigurationUnavailable = errors.New("learning configuration unavailable")

	// ErrInvalidInput is returned when a caller-supplied value fails validation.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError reports an illegal update status change.
type TransitionError struct {
	UpdateID uuid.UUID
	From     UpdateStatus
	To       UpdateStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("update %s: cannot transition from %s to %s", e.UpdateID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidState) true for transition errors.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}
