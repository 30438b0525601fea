package task

import "errors"

// Domain errors for the task package.
var (
	// ErrTaskNotFound is returned when a task ID does not exist.
	ErrTaskNotFound = errors.New("task: not found")

	// ErrDetailNotFound is returned when a detail ID does not exist.
	ErrDetailNotFound = errors.New("task: detail not found")

	// ErrWaitingNotFound is returned when a waiting ID does not exist.
	ErrWaitingNotFound = errors.New("task: waiting not found")
)
