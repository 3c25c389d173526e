package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateEdge    = errors.New("dependency edge already exists")
	ErrDuplicateTask    = errors.New("task already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStatusChanged reports that a guarded update lost a race: the task
	// is no longer in the status the caller read.
	ErrStatusChanged = errors.New("task status changed concurrently")
)

// StoreUnavailableError is a transient store failure. The scheduler never
// retries it; callers may.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// Unavailable wraps err as a StoreUnavailableError unless it already is one.
func Unavailable(op string, err error) error {
	var sue *StoreUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// EdgeSource is the read side the graph cache rebuilds from.
type EdgeSource interface {
	FetchUnresolvedDependencyEdges(ctx context.Context) ([]models.Dependency, error)
}

// Store defines the persistence operations of the scheduling core.
type Store interface {
	EdgeSource

	// Transactions
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(ctx context.Context, t models.Task) error
	FetchTask(ctx context.Context, id string) (models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	// UpdateTaskFields returns ErrStatusChanged when update.ExpectStatus is
	// set and no longer matches.
	UpdateTaskFields(ctx context.Context, id string, update models.TaskUpdate) error
	// ClaimTask atomically moves a READY task to RUNNING. It reports false
	// when another caller claimed it first.
	ClaimTask(ctx context.Context, id string) (bool, error)

	// Dependency operations
	InsertDependencyEdge(ctx context.Context, d models.Dependency) error
	ResolveDependenciesOf(ctx context.Context, prerequisiteID string, at time.Time) error
}
