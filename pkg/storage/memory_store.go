package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
	"github.com/pkg/errors"
)

type memState struct {
	tasks     map[string]models.Task
	taskOrder []string
	edges     map[models.EdgeKey]models.Dependency
	edgeOrder []models.EdgeKey
}

func newMemState() *memState {
	return &memState{
		tasks: make(map[string]models.Task),
		edges: make(map[models.EdgeKey]models.Dependency),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		tasks:     make(map[string]models.Task, len(s.tasks)),
		taskOrder: append([]string(nil), s.taskOrder...),
		edges:     make(map[models.EdgeKey]models.Dependency, len(s.edges)),
		edgeOrder: append([]models.EdgeKey(nil), s.edgeOrder...),
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.edges {
		c.edges[k] = v
	}
	return c
}

func (s *memState) saveTask(t models.Task) error {
	if _, ok := s.tasks[t.ID]; ok {
		return errors.Wrapf(ErrDuplicateTask, "task %s", t.ID)
	}
	s.tasks[t.ID] = t
	s.taskOrder = append(s.taskOrder, t.ID)
	return nil
}

func (s *memState) updateTask(id string, u models.TaskUpdate) error {
	t, ok := s.tasks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "task %s", id)
	}
	if u.ExpectStatus != nil && t.Status != *u.ExpectStatus {
		return errors.Wrapf(ErrStatusChanged, "task %s is %s, expected %s", id, t.Status, *u.ExpectStatus)
	}
	u.Apply(&t)
	s.tasks[id] = t
	return nil
}

func (s *memState) insertEdge(d models.Dependency) error {
	k := d.Key()
	if _, ok := s.edges[k]; ok {
		return errors.Wrapf(ErrDuplicateEdge, "%s -> %s", d.TaskID, d.DependsOn)
	}
	s.edges[k] = d
	s.edgeOrder = append(s.edgeOrder, k)
	return nil
}

func (s *memState) resolve(prerequisiteID string, at time.Time) {
	for _, k := range s.edgeOrder {
		d := s.edges[k]
		if d.DependsOn == prerequisiteID && d.ResolvedAt == nil {
			resolvedAt := at
			d.ResolvedAt = &resolvedAt
			s.edges[k] = d
		}
	}
}

// memoryStore implements Store in process memory. A store returned by Begin
// journals its writes and replays them atomically on Commit, so concurrent
// non-transactional writes (such as claims) are never lost.
type memoryStore struct {
	mu    *sync.RWMutex
	state *memState

	parent    *memoryStore
	journal   []func(*memState) error
	committed bool
	done      bool
}

// NewMemoryStore returns an empty, concurrency-safe in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{mu: &sync.RWMutex{}, state: newMemState()}
}

func (m *memoryStore) isTx() bool { return m.parent != nil }

func (m *memoryStore) Begin(ctx context.Context) (Store, error) {
	if m.isTx() {
		return nil, errors.New("nested transactions are not supported")
	}
	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()
	return &memoryStore{mu: &sync.RWMutex{}, state: snapshot, parent: m}, nil
}

func (m *memoryStore) Commit() error {
	if !m.isTx() {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	p := m.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.state.clone()
	for _, op := range m.journal {
		if err := op(next); err != nil {
			return errors.Wrap(err, "commit")
		}
	}
	p.state = next
	m.committed = true
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.isTx() {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	m.done = true
	m.journal = nil
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// write applies op to the local state and, inside a transaction, records it
// for replay on commit.
func (m *memoryStore) write(op func(*memState) error) error {
	if m.done {
		return errors.New("transaction already finished")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := op(m.state); err != nil {
		return err
	}
	if m.isTx() {
		m.journal = append(m.journal, op)
	}
	return nil
}

func (m *memoryStore) SaveTask(ctx context.Context, t models.Task) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("save task", err)
	}
	return m.write(func(s *memState) error { return s.saveTask(t) })
}

func (m *memoryStore) FetchTask(ctx context.Context, id string) (models.Task, error) {
	if err := ctx.Err(); err != nil {
		return models.Task{}, Unavailable("fetch task", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.state.tasks[id]
	if !ok {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return t, nil
}

func (m *memoryStore) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("list tasks", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tasks []models.Task
	for _, id := range m.state.taskOrder {
		if t := m.state.tasks[id]; t.Status == status {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (m *memoryStore) UpdateTaskFields(ctx context.Context, id string, update models.TaskUpdate) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("update task", err)
	}
	if update.IsEmpty() {
		return nil
	}
	return m.write(func(s *memState) error { return s.updateTask(id, update) })
}

func (m *memoryStore) ClaimTask(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Unavailable("claim task", err)
	}
	claimed := false
	err := m.write(func(s *memState) error {
		t, ok := s.tasks[id]
		if !ok {
			return errors.Wrapf(ErrNotFound, "task %s", id)
		}
		if t.Status != models.ReadyTaskStatus {
			return nil
		}
		t.Status = models.RunningTaskStatus
		s.tasks[id] = t
		claimed = true
		return nil
	})
	return claimed, err
}

func (m *memoryStore) InsertDependencyEdge(ctx context.Context, d models.Dependency) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("insert edge", err)
	}
	return m.write(func(s *memState) error { return s.insertEdge(d) })
}

func (m *memoryStore) ResolveDependenciesOf(ctx context.Context, prerequisiteID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("resolve edges", err)
	}
	return m.write(func(s *memState) error {
		s.resolve(prerequisiteID, at)
		return nil
	})
}

func (m *memoryStore) FetchUnresolvedDependencyEdges(ctx context.Context) ([]models.Dependency, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("fetch edges", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var deps []models.Dependency
	for _, k := range m.state.edgeOrder {
		if d := m.state.edges[k]; d.ResolvedAt == nil {
			deps = append(deps, d)
		}
	}
	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].TaskID != deps[j].TaskID {
			return deps[i].TaskID < deps[j].TaskID
		}
		return deps[i].DependsOn < deps[j].DependsOn
	})
	return deps, nil
}

// FetchDependenciesOf returns every edge, resolved or not, whose dependent is
// taskID. It is not part of Store; tests and tools reach it through
// DependencyLister.
func (m *memoryStore) FetchDependenciesOf(ctx context.Context, taskID string) ([]models.Dependency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var deps []models.Dependency
	for _, k := range m.state.edgeOrder {
		if k.TaskID == taskID {
			deps = append(deps, m.state.edges[k])
		}
	}
	return deps, nil
}

// DependencyLister is implemented by stores that can list all edges of a
// dependent, including resolved ones.
type DependencyLister interface {
	FetchDependenciesOf(ctx context.Context, taskID string) ([]models.Dependency, error)
}
