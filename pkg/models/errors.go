package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is the kind of every pre-mutation rejection the caller
	// can recover from by changing its input.
	ErrValidation = errors.New("validation failed")
	// ErrCircularDependency is the kind of CircularDependencyError.
	ErrCircularDependency = errors.New("circular dependency")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	TaskID string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Msg)
	}
	return fmt.Sprintf("%s: task %s: %s", ErrValidation, e.TaskID, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalidf builds a ValidationError for taskID.
func Invalidf(taskID, format string, args ...any) error {
	return &ValidationError{TaskID: taskID, Msg: fmt.Sprintf(format, args...)}
}

// Limit names a configurable structural cap.
type Limit string

const (
	DirectDependenciesLimit Limit = "direct dependencies"
	DepthLimit              Limit = "dependency depth"
)

// LimitExceededError reports a fan-in or depth cap violation. It is a
// validation failure but never a cycle.
type LimitExceededError struct {
	TaskID string
	Limit  Limit
	Max    int
	Actual int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: task %s: %s limit exceeded (%d > %d)", ErrValidation, e.TaskID, e.Limit, e.Actual, e.Max)
}

func (e *LimitExceededError) Unwrap() error { return ErrValidation }

// CircularDependencyError carries the offending path. For a detected cycle
// the first and last elements are the same task; for a cycle found while
// ordering it lists the tasks that could not be ordered.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) == 0 {
		return ErrCircularDependency.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(e.Path, " -> "))
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

// InvalidTransitionError reports a state machine misuse such as completing a
// task that was never dispatched.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: task %s: cannot move from %s to %s", ErrValidation, e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrValidation }

// CanTransition reports whether the scheduler state machine allows from -> to.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case PendingTaskStatus:
		return to == BlockedTaskStatus || to == ReadyTaskStatus || to == CancelledTaskStatus
	case BlockedTaskStatus:
		return to == ReadyTaskStatus || to == CancelledTaskStatus
	case ReadyTaskStatus:
		return to == BlockedTaskStatus || to == RunningTaskStatus || to == CancelledTaskStatus
	case RunningTaskStatus:
		return to == CompletedTaskStatus || to == FailedTaskStatus || to == CancelledTaskStatus
	default:
		return false
	}
}
