package models

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	BlockedTaskStatus   TaskStatus = "BLOCKED"
	ReadyTaskStatus     TaskStatus = "READY"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CancelledTaskStatus TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus:
		return true
	default:
		return false
	}
}

// ParseTaskStatus converts a stored or user-supplied string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case PendingTaskStatus, BlockedTaskStatus, ReadyTaskStatus, RunningTaskStatus,
		CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Source is the origin category of a submission. The scorer ranks sources
// by a fixed policy table.
type Source string

const (
	HumanSource     Source = "HUMAN"
	APISource       Source = "API"
	AgentSource     Source = "AGENT"
	ScheduledSource Source = "SCHEDULED"
	SystemSource    Source = "SYSTEM"
)

func ParseSource(s string) (Source, error) {
	switch src := Source(s); src {
	case HumanSource, APISource, AgentSource, ScheduledSource, SystemSource:
		return src, nil
	}
	return "", fmt.Errorf("unknown submission source %q", s)
}

const (
	MinBasePriority     = 1
	MaxBasePriority     = 10
	DefaultBasePriority = 5
)

// Task is a schedulable unit of work.
//
// CalculatedPriority and DependencyDepth are derived by the scheduler and are
// overwritten on every evaluation; values supplied on submission are ignored.
type Task struct {
	ID                 string         `json:"id" yaml:"id" db:"id"`
	Name               string         `json:"name" yaml:"name" db:"name"`
	BasePriority       int            `json:"base_priority" yaml:"base_priority" db:"base_priority"`
	CalculatedPriority float64        `json:"calculated_priority" yaml:"calculated_priority" db:"calculated_priority"`
	Status             TaskStatus     `json:"status" yaml:"status" db:"status"`
	Source             Source         `json:"source" yaml:"source" db:"source"`
	SubmittedAt        time.Time      `json:"submitted_at" yaml:"submitted_at" db:"submitted_at"`
	Deadline           *time.Time     `json:"deadline,omitempty" yaml:"deadline,omitempty" db:"deadline"`
	EstimatedDuration  *time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	DependencyDepth    int            `json:"dependency_depth" yaml:"dependency_depth" db:"dependency_depth"`
	ErrorMsg           string         `json:"error,omitempty" yaml:"error,omitempty" db:"error_msg"`
}

// TaskUpdate carries the fields the scheduler is allowed to change after
// submission. Nil fields are left untouched.
//
// ExpectStatus guards the write: when set, stores apply the update only if
// the stored status still equals it.
type TaskUpdate struct {
	Status             *TaskStatus
	CalculatedPriority *float64
	DependencyDepth    *int
	ErrorMsg           *string
	ExpectStatus       *TaskStatus
}

// IsEmpty reports whether the update changes nothing.
func (u TaskUpdate) IsEmpty() bool {
	return u.Status == nil && u.CalculatedPriority == nil && u.DependencyDepth == nil && u.ErrorMsg == nil
}

// Apply copies the non-nil fields of u onto t.
func (u TaskUpdate) Apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.CalculatedPriority != nil {
		t.CalculatedPriority = *u.CalculatedPriority
	}
	if u.DependencyDepth != nil {
		t.DependencyDepth = *u.DependencyDepth
	}
	if u.ErrorMsg != nil {
		t.ErrorMsg = *u.ErrorMsg
	}
}
