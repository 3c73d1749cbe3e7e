package store

import "errors"

// Error taxonomy. Callers match with errors.Is; precondition violations are
// routine outcomes of concurrent usage, not system faults.
var (
	ErrNoTasks             = errors.New("no tasks available")
	ErrTaskNotFound        = errors.New("task not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrDuplicateActiveTask = errors.New("user already has an active task")
	ErrUserPaused          = errors.New("user jobs are paused")
	ErrInvalidTransition   = errors.New("invalid task state transition")
	ErrRetriesExhausted    = errors.New("max retries exceeded")
)
