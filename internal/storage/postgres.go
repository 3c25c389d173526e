package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
	"github.com/ignatij/flowsched/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, storage.Unavailable("ping", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open connection, e.g. one owned by a test.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, classify("begin", err)
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return classify("commit", tx.Commit())
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// taskRow mirrors the tasks table; estimated duration is kept in milliseconds.
type taskRow struct {
	ID                  string        `db:"id"`
	Name                string        `db:"name"`
	BasePriority        int           `db:"base_priority"`
	CalculatedPriority  float64       `db:"calculated_priority"`
	Status              string        `db:"status"`
	Source              string        `db:"source"`
	SubmittedAt         time.Time     `db:"submitted_at"`
	Deadline            sql.NullTime  `db:"deadline"`
	EstimatedDurationMs sql.NullInt64 `db:"estimated_duration_ms"`
	DependencyDepth     int           `db:"dependency_depth"`
	ErrorMsg            string        `db:"error_msg"`
}

const taskColumns = `id, name, base_priority, calculated_priority, status, source, submitted_at,
	deadline, estimated_duration_ms, dependency_depth, error_msg`

func toTaskRow(t models.Task) taskRow {
	r := taskRow{
		ID:                 t.ID,
		Name:               t.Name,
		BasePriority:       t.BasePriority,
		CalculatedPriority: t.CalculatedPriority,
		Status:             string(t.Status),
		Source:             string(t.Source),
		SubmittedAt:        t.SubmittedAt,
		DependencyDepth:    t.DependencyDepth,
		ErrorMsg:           t.ErrorMsg,
	}
	if t.Deadline != nil {
		r.Deadline = sql.NullTime{Time: *t.Deadline, Valid: true}
	}
	if t.EstimatedDuration != nil {
		r.EstimatedDurationMs = sql.NullInt64{Int64: t.EstimatedDuration.Milliseconds(), Valid: true}
	}
	return r
}

// toModel converts r, rejecting enum values the scheduler does not know.
func (r taskRow) toModel() (models.Task, error) {
	status, err := models.ParseTaskStatus(r.Status)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "task %s", r.ID)
	}
	source, err := models.ParseSource(r.Source)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "task %s", r.ID)
	}
	t := models.Task{
		ID:                 r.ID,
		Name:               r.Name,
		BasePriority:       r.BasePriority,
		CalculatedPriority: r.CalculatedPriority,
		Status:             status,
		Source:             source,
		SubmittedAt:        r.SubmittedAt,
		DependencyDepth:    r.DependencyDepth,
		ErrorMsg:           r.ErrorMsg,
	}
	if r.Deadline.Valid {
		d := r.Deadline.Time
		t.Deadline = &d
	}
	if r.EstimatedDurationMs.Valid {
		d := time.Duration(r.EstimatedDurationMs.Int64) * time.Millisecond
		t.EstimatedDuration = &d
	}
	return t, nil
}

type dependencyRow struct {
	TaskID     string       `db:"task_id"`
	DependsOn  string       `db:"depends_on"`
	Kind       string       `db:"kind"`
	CreatedAt  time.Time    `db:"created_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
}

func (r dependencyRow) toModel() (models.Dependency, error) {
	kind, err := models.ParseDependencyKind(r.Kind)
	if err != nil {
		return models.Dependency{}, errors.Wrapf(err, "dependency %s -> %s", r.TaskID, r.DependsOn)
	}
	d := models.Dependency{
		TaskID:    r.TaskID,
		DependsOn: r.DependsOn,
		Kind:      kind,
		CreatedAt: r.CreatedAt,
	}
	if r.ResolvedAt.Valid {
		at := r.ResolvedAt.Time
		d.ResolvedAt = &at
	}
	return d, nil
}

func toDependencies(rows []dependencyRow) ([]models.Dependency, error) {
	deps := make([]models.Dependency, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// SaveTask inserts a new task. An existing id yields storage.ErrDuplicateTask.
func (s *PostgresStore) SaveTask(ctx context.Context, t models.Task) error {
	r := toTaskRow(t)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Name, r.BasePriority, r.CalculatedPriority, r.Status, r.Source, r.SubmittedAt,
		r.Deadline, r.EstimatedDurationMs, r.DependencyDepth, r.ErrorMsg)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrDuplicateTask, "task %s", t.ID)
	}
	return classify("save task", err)
}

func (s *PostgresStore) FetchTask(ctx context.Context, id string) (models.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return models.Task{}, classify("fetch task", err)
	}
	return r.toModel()
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+taskColumns+" FROM tasks WHERE status = $1 ORDER BY submitted_at, id", string(status))
	if err != nil {
		return nil, classify("list tasks", err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateTaskFields writes the non-nil fields of update.
func (s *PostgresStore) UpdateTaskFields(ctx context.Context, id string, update models.TaskUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	var status, expect *string
	if update.Status != nil {
		st := string(*update.Status)
		status = &st
	}
	if update.ExpectStatus != nil {
		st := string(*update.ExpectStatus)
		expect = &st
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = COALESCE($2, status),
		calculated_priority = COALESCE($3, calculated_priority),
		dependency_depth = COALESCE($4, dependency_depth),
		error_msg = COALESCE($5, error_msg)
		WHERE id = $1 AND ($6::text IS NULL OR status = $6)`,
		id, status, update.CalculatedPriority, update.DependencyDepth, update.ErrorMsg, expect)
	if err != nil {
		return classify("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update task", err)
	}
	if n == 1 {
		return nil
	}
	t, err := s.FetchTask(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(storage.ErrStatusChanged, "task %s is %s", id, t.Status)
}

// ClaimTask is a conditional update, so two dispatchers can never both move
// the same task to RUNNING.
func (s *PostgresStore) ClaimTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1 WHERE id = $2 AND status = $3",
		string(models.RunningTaskStatus), id, string(models.ReadyTaskStatus))
	if err != nil {
		return false, classify("claim task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("claim task", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.FetchTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// InsertDependencyEdge stores d. An existing (task_id, depends_on) pair yields
// storage.ErrDuplicateEdge.
func (s *PostgresStore) InsertDependencyEdge(ctx context.Context, d models.Dependency) error {
	var resolvedAt sql.NullTime
	if d.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *d.ResolvedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dependencies (task_id, depends_on, kind, created_at, resolved_at) VALUES ($1, $2, $3, $4, $5)
		`,
		d.TaskID, d.DependsOn, string(d.Kind), d.CreatedAt, resolvedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(storage.ErrDuplicateEdge, "%s -> %s", d.TaskID, d.DependsOn)
	}
	return classify("insert edge", err)
}

func (s *PostgresStore) ResolveDependenciesOf(ctx context.Context, prerequisiteID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE dependencies SET resolved_at = $2 WHERE depends_on = $1 AND resolved_at IS NULL",
		prerequisiteID, at)
	return classify("resolve edges", err)
}

func (s *PostgresStore) FetchUnresolvedDependencyEdges(ctx context.Context) ([]models.Dependency, error) {
	var rows []dependencyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT task_id, depends_on, kind, created_at, resolved_at
		FROM dependencies WHERE resolved_at IS NULL ORDER BY task_id, depends_on`)
	if err != nil {
		return nil, classify("fetch edges", err)
	}
	return toDependencies(rows)
}

// FetchDependenciesOf returns every edge of taskID, resolved or not.
func (s *PostgresStore) FetchDependenciesOf(ctx context.Context, taskID string) ([]models.Dependency, error) {
	var rows []dependencyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT task_id, depends_on, kind, created_at, resolved_at
		FROM dependencies WHERE task_id = $1 ORDER BY created_at, depends_on`, taskID)
	if err != nil {
		return nil, classify("fetch dependencies", err)
	}
	return toDependencies(rows)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// classify marks connection-level failures as storage.StoreUnavailableError
// and wraps everything else with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return storage.Unavailable(op, err)
	}
	return errors.Wrap(err, op)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, 57P: operator intervention
		return strings.HasPrefix(string(pqErr.Code), "08") || strings.HasPrefix(string(pqErr.Code), "57P")
	}
	return false
}
