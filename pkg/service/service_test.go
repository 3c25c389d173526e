package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
	"github.com/ignatij/flowsched/pkg/priority"
	"github.com/ignatij/flowsched/pkg/service"
	"github.com/ignatij/flowsched/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails graph reads while down is set.
type flakyStore struct {
	storage.Store
	down atomic.Bool
}

func (f *flakyStore) FetchUnresolvedDependencyEdges(ctx context.Context) ([]models.Dependency, error) {
	if f.down.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.FetchUnresolvedDependencyEdges(ctx)
}

type fixture struct {
	store storage.Store
	sched *service.Scheduler
	clock *clock
}

// racingStore claims a task at the moment the scheduler is about to write
// its status, the way a concurrent dispatcher could.
type racingStore struct {
	storage.Store
	target  atomic.Pointer[string]
	onBegin bool
	claims  atomic.Int32
}

func (r *racingStore) arm(id string, onBegin bool) {
	r.onBegin = onBegin
	r.target.Store(&id)
}

func (r *racingStore) claimTarget(ctx context.Context, id string) {
	if target := r.target.Load(); target != nil && *target == id && r.target.CompareAndSwap(target, nil) {
		if ok, err := r.Store.ClaimTask(ctx, id); err == nil && ok {
			r.claims.Add(1)
		}
	}
}

func (r *racingStore) UpdateTaskFields(ctx context.Context, id string, update models.TaskUpdate) error {
	if !r.onBegin && update.Status != nil {
		r.claimTarget(ctx, id)
	}
	return r.Store.UpdateTaskFields(ctx, id, update)
}

func (r *racingStore) Begin(ctx context.Context) (storage.Store, error) {
	if r.onBegin {
		if target := r.target.Load(); target != nil {
			r.claimTarget(ctx, *target)
		}
	}
	return r.Store.Begin(ctx)
}

func newFixture(t *testing.T, tweak func(*service.Options)) *fixture {
	t.Helper()
	return newFixtureWithStore(t, storage.NewMemoryStore(), tweak)
}

func newFixtureWithStore(t *testing.T, store storage.Store, tweak func(*service.Options)) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	opts := service.DefaultOptions()
	opts.Now = c.Now
	if tweak != nil {
		tweak(&opts)
	}
	sched, err := service.NewScheduler(store, logger{}, opts)
	require.NoError(t, err)
	return &fixture{store: store, sched: sched, clock: c}
}

func needs(prerequisites ...string) []models.Dependency {
	deps := make([]models.Dependency, 0, len(prerequisites))
	for _, p := range prerequisites {
		deps = append(deps, models.Dependency{DependsOn: p})
	}
	return deps
}

func (f *fixture) submit(t *testing.T, id string, prerequisites ...string) {
	t.Helper()
	got, err := f.sched.SubmitTask(context.Background(), models.Task{ID: id}, needs(prerequisites...))
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func (f *fixture) status(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, err := f.sched.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// start dispatches id directly, bypassing priority order.
func (f *fixture) start(t *testing.T, id string) {
	t.Helper()
	claimed, err := f.store.ClaimTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, claimed, "task %s was not READY", id)
}

func (f *fixture) complete(t *testing.T, id string) []string {
	t.Helper()
	f.start(t, id)
	unblocked, err := f.sched.OnTaskCompleted(context.Background(), id)
	require.NoError(t, err)
	sort.Strings(unblocked)
	return unblocked
}

func TestNewScheduler(t *testing.T) {
	opts := service.DefaultOptions()
	opts.Weights = priority.Weights{Base: 0.5, Depth: 0.4}
	_, err := service.NewScheduler(storage.NewMemoryStore(), logger{}, opts)
	assert.ErrorIs(t, err, priority.ErrInvalidWeights)

	opts = service.DefaultOptions()
	opts.FailurePolicy = "retry"
	_, err = service.NewScheduler(storage.NewMemoryStore(), logger{}, opts)
	assert.Error(t, err)

	_, err = service.NewScheduler(nil, logger{}, service.DefaultOptions())
	assert.Error(t, err)
}

func TestScheduler_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("linear chain", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B", "A")
		assert.Equal(t, models.ReadyTaskStatus, f.status(t, "A"))
		assert.Equal(t, models.BlockedTaskStatus, f.status(t, "B"))

		next, err := f.sched.DequeueNextReadyTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "A", next.ID)
		assert.Equal(t, models.RunningTaskStatus, next.Status)

		unblocked, err := f.sched.OnTaskCompleted(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, []string{"B"}, unblocked)
		assert.Equal(t, models.CompletedTaskStatus, f.status(t, "A"))
		assert.Equal(t, models.ReadyTaskStatus, f.status(t, "B"))
	})

	t.Run("generated id and defaults", func(t *testing.T) {
		f := newFixture(t, nil)
		id, err := f.sched.SubmitTask(ctx, models.Task{Name: "anonymous", CalculatedPriority: 99}, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		task, err := f.sched.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "anonymous", task.Name)
		assert.Equal(t, models.DefaultBasePriority, task.BasePriority)
		assert.Equal(t, models.APISource, task.Source)
		assert.Equal(t, f.clock.Now(), task.SubmittedAt)
		assert.NotEqual(t, 99.0, task.CalculatedPriority, "derived fields are recomputed")
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		neg := -time.Minute
		for name, task := range map[string]models.Task{
			"priority too high": {ID: "x", BasePriority: 11},
			"priority too low":  {ID: "x", BasePriority: -1},
			"unknown source":    {ID: "x", Source: "ROBOT"},
			"negative estimate": {ID: "x", EstimatedDuration: &neg},
			"duplicate id":      {ID: "A"},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := f.sched.SubmitTask(ctx, task, nil)
				assert.ErrorIs(t, err, models.ErrValidation)
			})
		}
	})

	t.Run("self dependency is rejected and nothing is created", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		_, err := f.sched.SubmitTask(ctx, models.Task{ID: "X"}, needs("A", "X"))
		assert.ErrorIs(t, err, models.ErrValidation)
		_, err = f.sched.GetTask(ctx, "X")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown prerequisite", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.sched.SubmitTask(ctx, models.Task{ID: "X"}, needs("ghost"))
		var ve *models.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Contains(t, ve.Msg, "ghost")
	})

	t.Run("foreign dependent", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B")
		_, err := f.sched.SubmitTask(ctx, models.Task{ID: "X"}, []models.Dependency{{TaskID: "B", DependsOn: "A"}})
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("direct dependency limit", func(t *testing.T) {
		f := newFixture(t, func(o *service.Options) { o.MaxDirectDependencies = 2 })
		f.submit(t, "p1")
		f.submit(t, "p2")
		f.submit(t, "p3")
		_, err := f.sched.SubmitTask(ctx, models.Task{ID: "T"}, needs("p1", "p2", "p3"))
		var lee *models.LimitExceededError
		require.True(t, errors.As(err, &lee))
		assert.Equal(t, models.DirectDependenciesLimit, lee.Limit)
		assert.NotErrorIs(t, err, models.ErrCircularDependency)
		_, err = f.sched.GetTask(ctx, "T")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("depth limit", func(t *testing.T) {
		f := newFixture(t, func(o *service.Options) { o.MaxDepth = 2 })
		f.submit(t, "a")
		f.submit(t, "b", "a")
		f.submit(t, "c", "b")
		_, err := f.sched.SubmitTask(ctx, models.Task{ID: "d"}, needs("c"))
		var lee *models.LimitExceededError
		require.True(t, errors.As(err, &lee))
		assert.Equal(t, models.DepthLimit, lee.Limit)
		assert.Equal(t, 3, lee.Actual)
	})

	t.Run("completed prerequisite does not block", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.complete(t, "A")
		f.submit(t, "B", "A")
		assert.Equal(t, models.ReadyTaskStatus, f.status(t, "B"))

		deps, err := f.store.(storage.DependencyLister).FetchDependenciesOf(ctx, "B")
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.True(t, deps[0].IsResolved())
	})

	t.Run("store unavailable", func(t *testing.T) {
		flaky := &flakyStore{Store: storage.NewMemoryStore()}
		sched, err := service.NewScheduler(flaky, logger{}, service.DefaultOptions())
		require.NoError(t, err)
		_, err = sched.SubmitTask(ctx, models.Task{ID: "A"}, nil)
		require.NoError(t, err)

		flaky.down.Store(true)
		_, err = sched.SubmitTask(ctx, models.Task{ID: "B"}, needs("A"))
		assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
		var sue *storage.StoreUnavailableError
		assert.True(t, errors.As(err, &sue))
		_, err = sched.GetTask(ctx, "B")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestScheduler_Cascade(t *testing.T) {
	ctx := context.Background()

	t.Run("partial resolution keeps the task blocked", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "p1")
		f.submit(t, "p2")
		f.submit(t, "p3")
		f.submit(t, "T", "p1", "p2", "p3")

		assert.Empty(t, f.complete(t, "p1"))
		assert.Empty(t, f.complete(t, "p2"))
		assert.Equal(t, models.BlockedTaskStatus, f.status(t, "T"))

		assert.Equal(t, []string{"T"}, f.complete(t, "p3"))
		assert.Equal(t, models.ReadyTaskStatus, f.status(t, "T"))
	})

	t.Run("diamond", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B", "A")
		f.submit(t, "C", "A")
		f.submit(t, "D", "B", "C")

		order, err := f.sched.GetExecutionOrder(ctx, []string{"D", "C", "B", "A"})
		require.NoError(t, err)
		require.Len(t, order, 4)
		assert.Equal(t, "A", order[0])
		assert.Equal(t, "D", order[3])

		d, err := f.sched.GetTask(ctx, "D")
		require.NoError(t, err)
		assert.Equal(t, 2, d.DependencyDepth)

		assert.Equal(t, []string{"B", "C"}, f.complete(t, "A"))
		assert.Empty(t, f.complete(t, "B"))
		assert.Equal(t, models.BlockedTaskStatus, f.status(t, "D"))
		assert.Equal(t, []string{"D"}, f.complete(t, "C"))

		d, err = f.sched.GetTask(ctx, "D")
		require.NoError(t, err)
		assert.Equal(t, 0, d.DependencyDepth)
	})

	t.Run("blocked tasks gain priority from their dependents", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "hub")
		f.submit(t, "leaf")
		before, err := f.sched.GetTask(ctx, "hub")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			f.submit(t, fmt.Sprintf("w%d", i), "hub")
		}
		after, err := f.sched.GetTask(ctx, "hub")
		require.NoError(t, err)
		assert.Greater(t, after.CalculatedPriority, before.CalculatedPriority)

		next, err := f.sched.DequeueNextReadyTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hub", next.ID)
	})

	t.Run("abandoned dependents stop counting", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "hub")
		for _, id := range []string{"w0", "w1", "w2"} {
			f.submit(t, id, "hub")
		}
		full, err := f.sched.ExplainPriority(ctx, "hub")
		require.NoError(t, err)
		assert.InDelta(t, priority.BlockingScore(3), full.Blocking, 1e-9)

		for _, id := range []string{"w0", "w1"} {
			_, err := f.sched.CancelTask(ctx, id)
			require.NoError(t, err)
		}
		reduced, err := f.sched.ExplainPriority(ctx, "hub")
		require.NoError(t, err)
		assert.InDelta(t, priority.BlockingScore(1), reduced.Blocking, 1e-9)

		hub, err := f.sched.GetTask(ctx, "hub")
		require.NoError(t, err)
		assert.InDelta(t, reduced.Total, hub.CalculatedPriority, 1e-9, "the stored score follows the cancellations")
	})
}

func TestScheduler_AddDependencies(t *testing.T) {
	ctx := context.Background()

	t.Run("closing a chain reports the cycle", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "C")
		f.submit(t, "B", "C")
		f.submit(t, "A", "B")

		err := f.sched.AddDependencies(ctx, []models.Dependency{{TaskID: "C", DependsOn: "A"}})
		assert.ErrorIs(t, err, models.ErrCircularDependency)
		var cde *models.CircularDependencyError
		require.True(t, errors.As(err, &cde))
		assert.Equal(t, []string{"A", "B", "C", "A"}, cde.Path)
		assert.Equal(t, models.ReadyTaskStatus, f.status(t, "C"), "rejected edges leave no trace")
	})

	t.Run("ready dependent goes back to blocked", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B")
		require.NoError(t, f.sched.AddDependencies(ctx, []models.Dependency{{TaskID: "B", DependsOn: "A"}}))
		assert.Equal(t, models.BlockedTaskStatus, f.status(t, "B"))
		assert.Equal(t, []string{"B"}, f.complete(t, "A"))
	})

	t.Run("started dependents are rejected", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B")
		f.start(t, "B")
		err := f.sched.AddDependencies(ctx, []models.Dependency{{TaskID: "B", DependsOn: "A"}})
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("claim during re-evaluation is kept", func(t *testing.T) {
		store := &racingStore{Store: storage.NewMemoryStore()}
		f := newFixtureWithStore(t, store, nil)
		f.submit(t, "A")
		f.submit(t, "B")
		store.arm("B", false)

		require.NoError(t, f.sched.AddDependencies(ctx, []models.Dependency{{TaskID: "B", DependsOn: "A"}}))
		require.EqualValues(t, 1, store.claims.Load())
		assert.Equal(t, models.RunningTaskStatus, f.status(t, "B"), "a dispatched task is never sent back to BLOCKED")

		_, err := f.sched.OnTaskCompleted(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, f.status(t, "B"))

		next, err := f.sched.DequeueNextReadyTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "A", next.ID)
		_, err = f.sched.OnTaskCompleted(ctx, "A")
		require.NoError(t, err)
		next, err = f.sched.DequeueNextReadyTask(ctx)
		require.NoError(t, err)
		assert.Nil(t, next, "B must not be dispatched twice")
	})
}

func TestScheduler_FailAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("failure blocks dependents by default", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B", "A")
		f.start(t, "A")

		unblocked, err := f.sched.FailTask(ctx, "A", "exit status 1")
		require.NoError(t, err)
		assert.Empty(t, unblocked)

		a, err := f.sched.GetTask(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, a.Status)
		assert.Equal(t, "exit status 1", a.ErrorMsg)
		assert.Equal(t, models.BlockedTaskStatus, f.status(t, "B"))
	})

	t.Run("resolve policy unblocks dependents", func(t *testing.T) {
		f := newFixture(t, func(o *service.Options) { o.FailurePolicy = service.ResolveDependents })
		f.submit(t, "A")
		f.submit(t, "B", "A")
		f.start(t, "A")

		unblocked, err := f.sched.FailTask(ctx, "A", "boom")
		require.NoError(t, err)
		assert.Equal(t, []string{"B"}, unblocked)
		assert.Equal(t, models.ReadyTaskStatus, f.status(t, "B"))
	})

	t.Run("cancel", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")
		f.submit(t, "B", "A")

		_, err := f.sched.CancelTask(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, models.CancelledTaskStatus, f.status(t, "B"))

		_, err = f.sched.CancelTask(ctx, "B")
		var ite *models.InvalidTransitionError
		require.True(t, errors.As(err, &ite))
		assert.Equal(t, models.CancelledTaskStatus, ite.From)

		assert.Empty(t, f.complete(t, "A"))
	})

	t.Run("invalid transitions", func(t *testing.T) {
		f := newFixture(t, nil)
		f.submit(t, "A")

		_, err := f.sched.OnTaskCompleted(ctx, "A")
		assert.ErrorIs(t, err, models.ErrValidation, "READY cannot complete without dispatch")
		_, err = f.sched.FailTask(ctx, "A", "nope")
		assert.ErrorIs(t, err, models.ErrValidation)

		_, err = f.sched.OnTaskCompleted(ctx, "ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("cancel rereads a task claimed mid-flight", func(t *testing.T) {
		store := &racingStore{Store: storage.NewMemoryStore()}
		f := newFixtureWithStore(t, store, nil)
		f.submit(t, "A")
		f.submit(t, "B", "A")
		store.arm("A", true)

		_, err := f.sched.CancelTask(ctx, "A")
		require.NoError(t, err)
		require.EqualValues(t, 1, store.claims.Load())
		a, err := f.sched.GetTask(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, models.CancelledTaskStatus, a.Status)
		assert.Equal(t, "cancelled", a.ErrorMsg)
		assert.Equal(t, models.BlockedTaskStatus, f.status(t, "B"))
	})
}

func TestScheduler_Dequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("priority then submission order", func(t *testing.T) {
		f := newFixture(t, nil)
		for _, task := range []models.Task{
			{ID: "low", BasePriority: 2},
			{ID: "mid-1", BasePriority: 6},
			{ID: "high", BasePriority: 9},
			{ID: "mid-2", BasePriority: 6},
		} {
			_, err := f.sched.SubmitTask(ctx, task, nil)
			require.NoError(t, err)
			f.clock.Advance(time.Second)
		}

		var got []string
		for {
			next, err := f.sched.DequeueNextReadyTask(ctx)
			require.NoError(t, err)
			if next == nil {
				break
			}
			got = append(got, next.ID)
		}
		assert.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, got)
	})

	t.Run("empty queue", func(t *testing.T) {
		f := newFixture(t, nil)
		next, err := f.sched.DequeueNextReadyTask(ctx)
		assert.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("concurrent dequeue dispatches each task once", func(t *testing.T) {
		f := newFixture(t, nil)
		const n = 40
		for i := 0; i < n; i++ {
			f.submit(t, fmt.Sprintf("t%02d", i))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					next, err := f.sched.DequeueNextReadyTask(ctx)
					if !assert.NoError(t, err) || next == nil {
						return
					}
					mu.Lock()
					seen[next.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "task %s dispatched %d times", id, count)
		}
	})
}

func TestScheduler_RecalculatePriorities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "A")
	f.submit(t, "B", "A")
	f.submit(t, "C")
	_, err := f.sched.CancelTask(ctx, "C")
	require.NoError(t, err)

	scores, err := f.sched.RecalculatePriorities(ctx, []string{"A", "B", "C", "ghost"})
	require.NoError(t, err)
	assert.Len(t, scores, 2)
	assert.Contains(t, scores, "A")
	assert.Contains(t, scores, "B")

	b, err := f.sched.GetTask(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, scores["B"], b.CalculatedPriority)

	breakdown, err := f.sched.ExplainPriority(ctx, "B")
	require.NoError(t, err)
	assert.InDelta(t, b.CalculatedPriority, breakdown.Total, 1e-9)
	assert.Equal(t, 10.0, breakdown.Depth)

	all, err := f.sched.RecalculatePriorities(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, scores, all)
}

func TestScheduler_InvalidateCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "A")
	f.submit(t, "B")

	ready, err := f.sched.IsReady(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ready)

	// an edge written behind the scheduler's back
	require.NoError(t, f.store.InsertDependencyEdge(ctx, models.Dependency{TaskID: "B", DependsOn: "A", Kind: models.SequentialDependency}))
	ready, err = f.sched.IsReady(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ready, "the cached graph is served until invalidated")

	f.sched.InvalidateCache()
	ready, err = f.sched.IsReady(ctx, "B")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestScheduler_CacheDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *service.Options) { o.CacheTTL = -1 })
	f.submit(t, "A")
	f.submit(t, "B")

	require.NoError(t, f.store.InsertDependencyEdge(ctx, models.Dependency{TaskID: "B", DependsOn: "A", Kind: models.SequentialDependency}))
	ready, err := f.sched.IsReady(ctx, "B")
	require.NoError(t, err)
	assert.False(t, ready, "every read rebuilds when caching is off")
}
