package models

import (
	"fmt"
	"time"
)

// DependencyKind tags an edge. Both kinds combine with AND semantics:
// PARALLEL means the dependent waits for all of its parallel prerequisites.
type DependencyKind string

const (
	SequentialDependency DependencyKind = "SEQUENTIAL"
	ParallelDependency   DependencyKind = "PARALLEL"
)

func ParseDependencyKind(s string) (DependencyKind, error) {
	switch k := DependencyKind(s); k {
	case SequentialDependency, ParallelDependency:
		return k, nil
	case "":
		return SequentialDependency, nil
	}
	return "", fmt.Errorf("unknown dependency kind %q", s)
}

// Dependency defines a relationship where one task depends on another.
type Dependency struct {
	TaskID     string         `json:"task_id" yaml:"task_id" db:"task_id"`          // Dependent task
	DependsOn  string         `json:"depends_on" yaml:"depends_on" db:"depends_on"` // Prerequisite task
	Kind       DependencyKind `json:"kind" yaml:"kind" db:"kind"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at" db:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty" db:"resolved_at"` // nil until the prerequisite succeeds
}

// IsResolved reports whether the prerequisite of d has completed.
func (d Dependency) IsResolved() bool {
	return d.ResolvedAt != nil
}

// EdgeKey identifies an edge by its (dependent, prerequisite) pair.
type EdgeKey struct {
	TaskID    string
	DependsOn string
}

func (d Dependency) Key() EdgeKey {
	return EdgeKey{TaskID: d.TaskID, DependsOn: d.DependsOn}
}
