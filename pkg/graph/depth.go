package graph

import "sync"

// DepthCalculator computes each task's distance from the dependency-free
// roots: 0 for a task with no unresolved prerequisite, otherwise one more than
// its deepest unresolved prerequisite. Results are memoized per graph epoch,
// so a rebuilt cache discards them.
type DepthCalculator struct {
	mu     sync.Mutex
	epoch  uint64
	memo   map[string]int
	hits   uint64
	misses uint64
}

func NewDepthCalculator() *DepthCalculator {
	return &DepthCalculator{memo: make(map[string]int)}
}

// Depth returns the depth of id in g.
func (dc *DepthCalculator) Depth(g *Graph, id string) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	memo := dc.memoFor(g)
	if d, ok := memo[id]; ok {
		dc.hits++
		return d
	}
	dc.misses++
	return chainDepth(id, g.Prerequisites, memo)
}

// Depths returns the depth of every id in ids.
func (dc *DepthCalculator) Depths(g *Graph, ids []string) map[string]int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	memo := dc.memoFor(g)
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		if d, ok := memo[id]; ok {
			dc.hits++
			out[id] = d
			continue
		}
		dc.misses++
		out[id] = chainDepth(id, g.Prerequisites, memo)
	}
	return out
}

// Reset drops every memoized depth.
func (dc *DepthCalculator) Reset() {
	dc.mu.Lock()
	dc.memo = make(map[string]int)
	dc.mu.Unlock()
}

// Stats returns memo hits and misses since construction.
func (dc *DepthCalculator) Stats() (hits, misses uint64) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.hits, dc.misses
}

// memoFor returns the memo valid for g. A snapshot older than the memo gets a
// throwaway map so it cannot poison newer results.
func (dc *DepthCalculator) memoFor(g *Graph) map[string]int {
	switch {
	case g.Epoch() == dc.epoch:
		return dc.memo
	case g.Epoch() > dc.epoch:
		dc.epoch = g.Epoch()
		dc.memo = make(map[string]int)
		return dc.memo
	default:
		return make(map[string]int)
	}
}

// chainDepth is an iterative longest-path walk over prerequisites with an
// explicit stack. Back edges are skipped; callers only pass acyclic graphs.
func chainDepth(start string, prerequisites func(string) []string, memo map[string]int) int {
	if d, ok := memo[start]; ok {
		return d
	}
	type frame struct {
		id   string
		adj  []string
		next int
		best int
	}
	onStack := map[string]bool{start: true}
	stack := []frame{{id: start, adj: prerequisites(start)}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.adj) {
			n := top.adj[top.next]
			top.next++
			if d, ok := memo[n]; ok {
				if d+1 > top.best {
					top.best = d + 1
				}
				continue
			}
			if onStack[n] {
				continue
			}
			onStack[n] = true
			stack = append(stack, frame{id: n, adj: prerequisites(n)})
			continue
		}
		done := *top
		memo[done.id] = done.best
		delete(onStack, done.id)
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			parent := &stack[len(stack)-1]
			if done.best+1 > parent.best {
				parent.best = done.best + 1
			}
		}
	}
	return memo[start]
}
