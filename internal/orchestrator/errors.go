package orchestrator

import (
	"errors"
	"fmt"
)

// Domain errors.
var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("orchestrator: validation failed")

	// ErrInvalidState is returned when an operation does not apply to the
	// task's current status.
	ErrInvalidState = errors.New("orchestrator: invalid task state")

	// ErrNotQueued is returned when cancelling or deleting a task that has
	// left the queue.
	ErrNotQueued = errors.New("orchestrator: task is not queued")

	// ErrSensorUnavailable is returned when the aisle sensor cannot be read.
	// Nothing is changed; the operator may confirm again.
	ErrSensorUnavailable = errors.New("orchestrator: aisle sensor unavailable")

	// ErrNoHeldSession is returned by ResolveSession for a device that is
	// not holding an aisle open for a failed task.
	ErrNoHeldSession = errors.New("orchestrator: device holds no session to resolve")

	// ErrAisleNotBlocked is returned by UnblockAisle for an aisle in service.
	ErrAisleNotBlocked = errors.New("orchestrator: aisle is not blocked")
)

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orchestrator: invalid %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
