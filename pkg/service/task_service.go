package service

import (
	"context"
	"sort"
	"time"

	"github.com/ignatij/flowsched/pkg/graph"
	"github.com/ignatij/flowsched/pkg/models"
	"github.com/ignatij/flowsched/pkg/priority"
	"github.com/ignatij/flowsched/pkg/storage"
	"github.com/pkg/errors"
)

// normalizeTask fills defaults and rejects out-of-range input. Derived fields
// are reset: the scheduler alone computes them.
func normalizeTask(t *models.Task, now time.Time) error {
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.BasePriority == 0 {
		t.BasePriority = models.DefaultBasePriority
	}
	if t.BasePriority < models.MinBasePriority || t.BasePriority > models.MaxBasePriority {
		return models.Invalidf(t.ID, "base priority %d outside [%d, %d]", t.BasePriority, models.MinBasePriority, models.MaxBasePriority)
	}
	if t.Source == "" {
		t.Source = models.APISource
	}
	if _, err := models.ParseSource(string(t.Source)); err != nil {
		return models.Invalidf(t.ID, "%v", err)
	}
	if t.EstimatedDuration != nil && *t.EstimatedDuration < 0 {
		return models.Invalidf(t.ID, "estimated duration must not be negative")
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	t.Status = models.PendingTaskStatus
	t.CalculatedPriority = 0
	t.DependencyDepth = 0
	t.ErrorMsg = ""
	return nil
}

func normalizeEdge(d models.Dependency, now time.Time) (models.Dependency, error) {
	kind, err := models.ParseDependencyKind(string(d.Kind))
	if err != nil {
		return d, models.Invalidf(d.TaskID, "%v", err)
	}
	d.Kind = kind
	d.CreatedAt = now
	d.ResolvedAt = nil
	return d, nil
}

// normalizeEdges binds deps to the submitted task. A dependency naming a
// different dependent is rejected: submission only adds prerequisites of the
// new task.
func normalizeEdges(taskID string, deps []models.Dependency, now time.Time) ([]models.Dependency, error) {
	edges := make([]models.Dependency, 0, len(deps))
	for _, d := range deps {
		if d.TaskID == "" {
			d.TaskID = taskID
		}
		if d.TaskID != taskID {
			return nil, models.Invalidf(taskID, "dependency %s -> %s does not belong to the submitted task", d.TaskID, d.DependsOn)
		}
		e, err := normalizeEdge(d, now)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func prerequisiteIDs(edges []models.Dependency) []string {
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.DependsOn)
	}
	return ids
}

// factors derives the graph-based priority inputs of id. Dependents that
// failed or were cancelled keep their unresolved edges but will never run, so
// they do not count as blocked.
func (s *Scheduler) factors(ctx context.Context, g *graph.Graph, id string) (priority.Factors, error) {
	blocked := 0
	for _, d := range g.Dependents(id) {
		dt, err := s.store.FetchTask(ctx, d)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return priority.Factors{}, errors.Wrapf(err, "fetch dependent %s", d)
		}
		if !dt.Status.IsTerminal() {
			blocked++
		}
	}
	return priority.Factors{
		Depth:        s.depths.Depth(g, id),
		BlockedCount: blocked,
	}, nil
}

// evaluate recomputes readiness, depth and priority of t against g and
// persists whatever changed. RUNNING tasks keep their status. A status change
// only applies while the task is still in the status it was read with; when a
// dispatcher claimed it in between, the task is returned as stored.
func (s *Scheduler) evaluate(ctx context.Context, g *graph.Graph, t models.Task) (models.Task, error) {
	var update models.TaskUpdate
	switch t.Status {
	case models.PendingTaskStatus, models.BlockedTaskStatus, models.ReadyTaskStatus:
		want := models.BlockedTaskStatus
		if g.IsReady(t.ID) {
			want = models.ReadyTaskStatus
		}
		if want != t.Status {
			prev := t.Status
			update.Status = &want
			update.ExpectStatus = &prev
		}
	}
	f, err := s.factors(ctx, g, t.ID)
	if err != nil {
		return t, err
	}
	t.DependencyDepth = f.Depth
	score := s.scorer.Score(t, f)
	update.DependencyDepth = &f.Depth
	update.CalculatedPriority = &score
	err = s.store.UpdateTaskFields(ctx, t.ID, update)
	if errors.Is(err, storage.ErrStatusChanged) {
		s.logger.Warnf("Task %s changed status while being re-evaluated, skipping: %v", t.ID, err)
		current, err := s.store.FetchTask(ctx, t.ID)
		if err != nil {
			return t, errors.Wrapf(err, "fetch task %s", t.ID)
		}
		return current, nil
	}
	if err != nil {
		return t, errors.Wrapf(err, "update task %s", t.ID)
	}
	if update.Status != nil {
		s.logger.Debugf("Task %s moved from %s to %s", t.ID, t.Status, *update.Status)
	}
	update.Apply(&t)
	return t, nil
}

// reevaluate runs evaluate over ids against the current graph, skipping
// duplicates, vanished and terminal tasks.
func (s *Scheduler) reevaluate(ctx context.Context, ids []string) error {
	g, err := s.cache.Get(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		t, err := s.store.FetchTask(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "fetch task %s", id)
		}
		if t.Status.IsTerminal() {
			continue
		}
		if _, err := s.evaluate(ctx, g, t); err != nil {
			return err
		}
	}
	return nil
}

// higherPriority orders dispatch candidates: calculated priority first, then
// earliest submission, then id for a total order.
func higherPriority(a, b models.Task) bool {
	if a.CalculatedPriority != b.CalculatedPriority {
		return a.CalculatedPriority > b.CalculatedPriority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

func sortByPriority(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return higherPriority(tasks[i], tasks[j]) })
}
