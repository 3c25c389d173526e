package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/flowsched/pkg/graph"
	"github.com/ignatij/flowsched/pkg/models"
	"github.com/ignatij/flowsched/pkg/priority"
	"github.com/ignatij/flowsched/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Scheduler
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FailurePolicy decides what a failed or cancelled prerequisite means for
// the tasks waiting on it.
type FailurePolicy string

const (
	// BlockDependents keeps dependents BLOCKED. This is the default.
	BlockDependents FailurePolicy = "block"
	// ResolveDependents treats failure and cancellation like completion.
	ResolveDependents FailurePolicy = "resolve"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case BlockDependents, ResolveDependents:
		return p, nil
	case "":
		return BlockDependents, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

const DefaultStoreTimeout = 5 * time.Second

// Options configures a Scheduler. Zero values fall back to defaults, except
// Weights which must be valid. A negative CacheTTL disables graph caching.
type Options struct {
	CacheTTL              time.Duration
	MaxDirectDependencies int
	MaxDepth              int
	Weights               priority.Weights
	StoreTimeout          time.Duration
	FailurePolicy         FailurePolicy
	Now                   func() time.Time
}

func DefaultOptions() Options {
	return Options{
		CacheTTL:              graph.DefaultTTL,
		MaxDirectDependencies: graph.DefaultMaxDirectDependencies,
		MaxDepth:              graph.DefaultMaxDepth,
		Weights:               priority.DefaultWeights(),
		StoreTimeout:          DefaultStoreTimeout,
		FailurePolicy:         BlockDependents,
	}
}

// Scheduler owns the task state machine. On submission, completion, failure
// or cancellation it re-evaluates the affected tasks and keeps the dependency
// graph acyclic. Writers are serialized; readers only contend on the cache.
type Scheduler struct {
	store    storage.Store
	logger   Logger
	cache    *graph.Cache
	detector *graph.CycleDetector
	depths   *graph.DepthCalculator
	scorer   *priority.Scorer
	opts     Options
	now      func() time.Time

	mu sync.Mutex
}

// NewScheduler wires the graph cache, cycle detector, depth calculator and
// priority scorer around store. Invalid weights fail here and nowhere else.
func NewScheduler(store storage.Store, logger Logger, opts Options) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = graph.DefaultTTL
	}
	if opts.StoreTimeout == 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = BlockDependents
	}
	if _, err := ParseFailurePolicy(string(opts.FailurePolicy)); err != nil {
		return nil, err
	}
	scorer, err := priority.NewScorer(opts.Weights, priority.WithClock(opts.Now))
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:    store,
		logger:   logger,
		cache:    graph.NewCache(store, graph.WithTTL(opts.CacheTTL), graph.WithClock(opts.Now)),
		detector: graph.NewCycleDetector(opts.MaxDirectDependencies, opts.MaxDepth),
		depths:   graph.NewDepthCalculator(),
		scorer:   scorer,
		opts:     opts,
		now:      opts.Now,
	}, nil
}

// Cache exposes the graph cache for read-only callers such as status views.
func (s *Scheduler) Cache() *graph.Cache { return s.cache }

// InvalidateCache forces the next graph read to rebuild from the store.
func (s *Scheduler) InvalidateCache() {
	s.cache.Invalidate()
	s.logger.Debugf("Dependency graph cache invalidated")
}

// SubmitTask creates task with its prerequisite edges. Edges are validated
// against a fresh graph before anything is written; a rejected task is never
// created. Edges whose prerequisite already completed are stored resolved.
func (s *Scheduler) SubmitTask(ctx context.Context, task models.Task, deps []models.Dependency) (string, error) {
	if task.ID == "" {
		task.ID = newTaskID()
	}
	now := s.now()
	if err := normalizeTask(&task, now); err != nil {
		return "", err
	}
	edges, err := normalizeEdges(task.ID, deps, now)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if _, err := s.store.FetchTask(ctx, task.ID); err == nil {
		return "", models.Invalidf(task.ID, "task already exists")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", errors.Wrapf(err, "check task %s", task.ID)
	}
	if err := s.markResolvedPrerequisites(ctx, edges, now); err != nil {
		return "", err
	}

	g, err := s.cache.GetFresh(ctx)
	if err != nil {
		return "", err
	}
	if err := s.detector.Validate(g, edges); err != nil {
		s.logger.Warnf("Rejected task %s: %v", task.ID, err)
		return "", err
	}

	err = s.withTx(ctx, func(tx storage.Store) error {
		if err := tx.SaveTask(ctx, task); err != nil {
			return errors.Wrapf(err, "save task %s", task.ID)
		}
		for _, e := range edges {
			if err := tx.InsertDependencyEdge(ctx, e); err != nil {
				return errors.Wrapf(err, "insert dependency %s -> %s", e.TaskID, e.DependsOn)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.cache.Invalidate()
	s.logger.Infof("Submitted task %s with %d dependencies", task.ID, len(edges))

	if err := s.reevaluate(ctx, append([]string{task.ID}, prerequisiteIDs(edges)...)); err != nil {
		return task.ID, errors.WithMessagef(err, "task %s stored as PENDING", task.ID)
	}
	return task.ID, nil
}

// AddDependencies adds prerequisite edges between existing tasks. The
// dependents must not have started. A READY dependent that gains an
// unresolved prerequisite goes back to BLOCKED.
func (s *Scheduler) AddDependencies(ctx context.Context, deps []models.Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	now := s.now()
	edges := make([]models.Dependency, 0, len(deps))
	for _, d := range deps {
		e, err := normalizeEdge(d, now)
		if err != nil {
			return err
		}
		edges = append(edges, e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	for _, e := range edges {
		t, err := s.store.FetchTask(ctx, e.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			return models.Invalidf(e.TaskID, "unknown dependent task")
		}
		if err != nil {
			return errors.Wrapf(err, "fetch task %s", e.TaskID)
		}
		if t.Status.IsTerminal() || t.Status == models.RunningTaskStatus {
			return models.Invalidf(e.TaskID, "cannot add dependencies to a %s task", t.Status)
		}
	}
	if err := s.markResolvedPrerequisites(ctx, edges, now); err != nil {
		return err
	}

	g, err := s.cache.GetFresh(ctx)
	if err != nil {
		return err
	}
	if err := s.detector.Validate(g, edges); err != nil {
		s.logger.Warnf("Rejected %d dependencies: %v", len(edges), err)
		return err
	}
	err = s.withTx(ctx, func(tx storage.Store) error {
		for _, e := range edges {
			if err := tx.InsertDependencyEdge(ctx, e); err != nil {
				return errors.Wrapf(err, "insert dependency %s -> %s", e.TaskID, e.DependsOn)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate()

	affected := make([]string, 0, 2*len(edges))
	for _, e := range edges {
		affected = append(affected, e.TaskID, e.DependsOn)
	}
	return s.reevaluate(ctx, affected)
}

// OnTaskCompleted moves a RUNNING task to COMPLETED, resolves the edges that
// wait on it and cascades readiness to its dependents. It returns the tasks
// that became READY.
func (s *Scheduler) OnTaskCompleted(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.finish(ctx, id, models.CompletedTaskStatus, "", true)
}

// FailTask moves a RUNNING task to FAILED. Dependents stay BLOCKED unless the
// scheduler runs with ResolveDependents.
func (s *Scheduler) FailTask(ctx context.Context, id, reason string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.finish(ctx, id, models.FailedTaskStatus, reason, s.opts.FailurePolicy == ResolveDependents)
}

// CancelTask moves any non-terminal task to CANCELLED. Dependents follow the
// same policy as for failures.
func (s *Scheduler) CancelTask(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.finish(ctx, id, models.CancelledTaskStatus, "cancelled", s.opts.FailurePolicy == ResolveDependents)
}

// finishAttempts bounds how often finish re-reads a task whose status moved
// under it. Writers hold the scheduler mutex, so only a claim can interfere,
// and a task is claimed at most once.
const finishAttempts = 3

func (s *Scheduler) finish(ctx context.Context, id string, to models.TaskStatus, reason string, resolve bool) ([]string, error) {
	before, err := s.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	// id stops counting towards the fan-out of its unresolved prerequisites
	prerequisites := before.Prerequisites(id)
	var downstream []string
	if resolve {
		downstream = before.Downstream(id)
	}

	var from models.TaskStatus
	for attempt := 1; ; attempt++ {
		t, err := s.store.FetchTask(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch task %s", id)
		}
		if !models.CanTransition(t.Status, to) {
			return nil, &models.InvalidTransitionError{TaskID: id, From: t.Status, To: to}
		}
		from = t.Status
		err = s.withTx(ctx, func(tx storage.Store) error {
			update := models.TaskUpdate{Status: &to, ExpectStatus: &from}
			if reason != "" {
				update.ErrorMsg = &reason
			}
			if err := tx.UpdateTaskFields(ctx, id, update); err != nil {
				return errors.Wrapf(err, "update task %s", id)
			}
			if resolve {
				if err := tx.ResolveDependenciesOf(ctx, id, s.now()); err != nil {
					return errors.Wrapf(err, "resolve dependencies of %s", id)
				}
			}
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrStatusChanged) || attempt == finishAttempts {
			return nil, err
		}
		s.logger.Debugf("Task %s left %s before it could move to %s, retrying", id, from, to)
	}
	s.logger.Infof("Task %s moved from %s to %s", id, from, to)
	if !resolve {
		return nil, s.reevaluate(ctx, prerequisites)
	}

	s.cache.Invalidate()
	after, err := s.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	var unblocked []string
	for _, d := range downstream {
		dt, err := s.store.FetchTask(ctx, d)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warnf("Dependent %s of %s vanished, skipping", d, id)
			continue
		}
		if err != nil {
			return unblocked, errors.Wrapf(err, "fetch dependent %s", d)
		}
		if dt.Status.IsTerminal() {
			continue
		}
		prev := dt.Status
		next, err := s.evaluate(ctx, after, dt)
		if err != nil {
			return unblocked, err
		}
		if prev != models.ReadyTaskStatus && next.Status == models.ReadyTaskStatus {
			unblocked = append(unblocked, d)
			s.logger.Infof("Task %s unblocked by %s", d, id)
		}
	}
	return unblocked, s.reevaluate(ctx, prerequisites)
}

// DequeueNextReadyTask claims the READY task with the highest calculated
// priority, earliest submission first on ties. It returns nil when nothing is
// ready. A task claimed concurrently by another caller is skipped.
func (s *Scheduler) DequeueNextReadyTask(ctx context.Context) (*models.Task, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	ready, err := s.store.ListTasksByStatus(ctx, models.ReadyTaskStatus)
	if err != nil {
		return nil, errors.Wrap(err, "list ready tasks")
	}
	sortByPriority(ready)
	for i := range ready {
		t := ready[i]
		claimed, err := s.store.ClaimTask(ctx, t.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "claim task %s", t.ID)
		}
		if !claimed {
			s.logger.Debugf("Task %s claimed elsewhere", t.ID)
			continue
		}
		t.Status = models.RunningTaskStatus
		s.logger.Infof("Dispatched task %s (priority %.2f)", t.ID, t.CalculatedPriority)
		return &t, nil
	}
	return nil, nil
}

// GetExecutionOrder returns ids in an order where every prerequisite precedes
// its dependents. Ties go to the higher calculated priority.
func (s *Scheduler) GetExecutionOrder(ctx context.Context, ids []string) ([]string, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	g, err := s.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make(map[string]models.Task, len(ids))
	for _, id := range ids {
		t, err := s.store.FetchTask(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			tasks[id] = models.Task{ID: id}
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "fetch task %s", id)
		}
		tasks[id] = t
	}
	return graph.TopologicalOrder(g, ids, func(a, b string) bool {
		return higherPriority(tasks[a], tasks[b])
	})
}

// RecalculatePriorities re-scores ids and persists depth and priority. Tasks
// in a terminal state or no longer in the store are skipped. With no ids it
// covers every PENDING, BLOCKED and READY task. PENDING tasks left behind by
// an interrupted submission are promoted to READY or BLOCKED on the way.
func (s *Scheduler) RecalculatePriorities(ctx context.Context, ids []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if len(ids) == 0 {
		for _, st := range []models.TaskStatus{models.PendingTaskStatus, models.BlockedTaskStatus, models.ReadyTaskStatus} {
			tasks, err := s.store.ListTasksByStatus(ctx, st)
			if err != nil {
				return nil, errors.Wrapf(err, "list %s tasks", st)
			}
			for _, t := range tasks {
				ids = append(ids, t.ID)
			}
		}
	}
	g, err := s.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(ids))
	for _, id := range ids {
		t, err := s.store.FetchTask(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return scores, errors.Wrapf(err, "fetch task %s", id)
		}
		if t.Status.IsTerminal() {
			continue
		}
		t, err = s.evaluate(ctx, g, t)
		if err != nil {
			return scores, err
		}
		scores[id] = t.CalculatedPriority
	}
	return scores, nil
}

// GetTask returns the stored task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (models.Task, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.FetchTask(ctx, id)
}

// IsReady reports whether every prerequisite of id is resolved.
func (s *Scheduler) IsReady(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.store.FetchTask(ctx, id); err != nil {
		return false, errors.Wrapf(err, "fetch task %s", id)
	}
	g, err := s.cache.Get(ctx)
	if err != nil {
		return false, err
	}
	return g.IsReady(id), nil
}

// ExplainPriority returns the sub-scores behind a task's current priority.
func (s *Scheduler) ExplainPriority(ctx context.Context, id string) (priority.Breakdown, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	t, err := s.store.FetchTask(ctx, id)
	if err != nil {
		return priority.Breakdown{}, errors.Wrapf(err, "fetch task %s", id)
	}
	g, err := s.cache.Get(ctx)
	if err != nil {
		return priority.Breakdown{}, err
	}
	f, err := s.factors(ctx, g, id)
	if err != nil {
		return priority.Breakdown{}, err
	}
	return s.scorer.Breakdown(t, f), nil
}

func (s *Scheduler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// withTx runs fn in a store transaction, committing on success and rolling
// back on error.
func (s *Scheduler) withTx(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// markResolvedPrerequisites checks that every prerequisite exists and stamps
// edges to already completed prerequisites as resolved.
func (s *Scheduler) markResolvedPrerequisites(ctx context.Context, edges []models.Dependency, now time.Time) error {
	for i := range edges {
		p, err := s.store.FetchTask(ctx, edges[i].DependsOn)
		if errors.Is(err, storage.ErrNotFound) {
			return models.Invalidf(edges[i].TaskID, "unknown prerequisite %s", edges[i].DependsOn)
		}
		if err != nil {
			return errors.Wrapf(err, "fetch prerequisite %s", edges[i].DependsOn)
		}
		if p.Status == models.CompletedTaskStatus {
			resolvedAt := now
			edges[i].ResolvedAt = &resolvedAt
		}
	}
	return nil
}

func newTaskID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("task-%d", time.Now().UnixNano())
	}
	return "task-" + hex.EncodeToString(b[:])
}
