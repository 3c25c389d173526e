package graph

import (
	"context"
	"sync"
	"time"

	"github.com/ignatij/flowsched/pkg/storage"
)

// DefaultTTL bounds how long a snapshot is served without a rebuild.
const DefaultTTL = 60 * time.Second

// Cache owns the only shared mutable view of the dependency graph. It hands
// out immutable snapshots; Invalidate forces the next read to rebuild.
type Cache struct {
	source storage.EdgeSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	current *Graph
	stale   bool
	epoch   uint64
	builds  uint64
}

type CacheOption func(*Cache)

// WithTTL overrides DefaultTTL. Non-positive values disable caching.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(source storage.EdgeSource, opts ...CacheOption) *Cache {
	c := &Cache{source: source, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) usable(now time.Time) bool {
	return c.current != nil && !c.stale && c.ttl > 0 && now.Sub(c.current.builtAt) < c.ttl
}

// Get returns the cached snapshot while it is younger than the TTL and has
// not been invalidated, rebuilding it otherwise. Concurrent misses share a
// single rebuild. On store failure the previous snapshot is kept.
func (c *Cache) Get(ctx context.Context) (*Graph, error) {
	c.mu.RLock()
	if c.usable(c.now()) {
		g := c.current
		c.mu.RUnlock()
		return g, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usable(c.now()) {
		return c.current, nil
	}
	return c.rebuildLocked(ctx)
}

// GetFresh always rebuilds. Cycle validation must use it: a stale snapshot
// could let a cycle through.
func (c *Cache) GetFresh(ctx context.Context) (*Graph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked(ctx)
}

// Invalidate forces the next Get to rebuild. It must be called after every
// edge insertion or resolution.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Last returns the most recent snapshot without checking its age, or nil
// before the first build. It stays available after a failed rebuild.
func (c *Cache) Last() *Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Epoch is the epoch of the most recent successful build, 0 before the first.
func (c *Cache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Builds counts rebuild attempts that reached the store.
func (c *Cache) Builds() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds
}

func (c *Cache) rebuildLocked(ctx context.Context) (*Graph, error) {
	c.builds++
	edges, err := c.source.FetchUnresolvedDependencyEdges(ctx)
	if err != nil {
		return nil, storage.Unavailable("rebuild dependency graph", err)
	}
	c.epoch++
	c.current = New(edges, c.epoch, c.now())
	c.stale = false
	return c.current, nil
}
