package service

import (
	"context"
	"io"
	"time"

	"github.com/ignatij/flowsched/internal/log"
	"github.com/ignatij/flowsched/pkg/graph"
	"github.com/ignatij/flowsched/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BatchTask is one entry of a task file. DependsOn may name tasks of the
// same batch or tasks that already exist.
type BatchTask struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name,omitempty" json:"name,omitempty"`
	Priority  int        `yaml:"priority,omitempty" json:"priority,omitempty"`
	Source    string     `yaml:"source,omitempty" json:"source,omitempty"`
	Deadline  *time.Time `yaml:"deadline,omitempty" json:"deadline,omitempty"`
	Estimate  string     `yaml:"estimate,omitempty" json:"estimate,omitempty"`
	DependsOn []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Kind      string     `yaml:"kind,omitempty" json:"kind,omitempty"`
}

type Batch struct {
	Tasks []BatchTask `yaml:"tasks" json:"tasks"`
}

// ParseBatch decodes a YAML task file. Unknown keys are rejected.
func ParseBatch(r io.Reader) (Batch, error) {
	var b Batch
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return Batch{}, nil
		}
		return Batch{}, errors.Wrap(err, "parse task file")
	}
	return b, nil
}

// Submission converts bt into the arguments of SubmitTask.
func (bt BatchTask) Submission() (models.Task, []models.Dependency, error) {
	t := models.Task{
		ID:           bt.ID,
		Name:         bt.Name,
		BasePriority: bt.Priority,
		Source:       models.Source(bt.Source),
		Deadline:     bt.Deadline,
	}
	if bt.Estimate != "" {
		d, err := time.ParseDuration(bt.Estimate)
		if err != nil {
			return t, nil, models.Invalidf(bt.ID, "estimate %q: %v", bt.Estimate, err)
		}
		t.EstimatedDuration = &d
	}
	deps := make([]models.Dependency, 0, len(bt.DependsOn))
	for _, p := range bt.DependsOn {
		deps = append(deps, models.Dependency{TaskID: bt.ID, DependsOn: p, Kind: models.DependencyKind(bt.Kind)})
	}
	return t, deps, nil
}

// Submitter is the part of the scheduler a batch needs.
type Submitter interface {
	SubmitTask(ctx context.Context, task models.Task, deps []models.Dependency) (string, error)
}

type BatchService struct {
	scheduler Submitter
}

func NewBatchService(scheduler Submitter) *BatchService {
	return &BatchService{scheduler: scheduler}
}

// Submit orders the batch so that every task is submitted after the batch
// tasks it depends on, then submits them one by one. It stops at the first
// rejection and returns the ids submitted so far along with the error.
func (s *BatchService) Submit(ctx context.Context, b Batch) (ids []string, err error) {
	byID := make(map[string]BatchTask, len(b.Tasks))
	order := make([]string, 0, len(b.Tasks))
	for _, bt := range b.Tasks {
		if bt.ID == "" {
			return nil, models.Invalidf("", "batch tasks need an id")
		}
		if _, dup := byID[bt.ID]; dup {
			return nil, models.Invalidf(bt.ID, "task appears twice in the batch")
		}
		byID[bt.ID] = bt
		order = append(order, bt.ID)
	}

	var edges []models.Dependency
	for _, bt := range b.Tasks {
		for _, p := range bt.DependsOn {
			if _, inBatch := byID[p]; inBatch {
				edges = append(edges, models.Dependency{TaskID: bt.ID, DependsOn: p})
			}
		}
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	sorted, err := graph.TopologicalOrder(graph.New(edges, 0, time.Now()), order, func(a, b string) bool {
		return rank[a] < rank[b]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "batch")
	}

	for _, id := range sorted {
		task, deps, err := byID[id].Submission()
		if err != nil {
			return ids, err
		}
		got, err := s.scheduler.SubmitTask(ctx, task, deps)
		if err != nil {
			log.GetLogger().Errorf("Batch stopped at task %s: %v", id, err)
			return ids, errors.WithMessagef(err, "submit %s", id)
		}
		ids = append(ids, got)
	}
	log.GetLogger().Infof("Submitted batch of %d tasks", len(ids))
	return ids, nil
}
