package graph

import (
	"github.com/ignatij/flowsched/pkg/models"
)

const (
	DefaultMaxDirectDependencies = 50
	DefaultMaxDepth              = 10
)

// CycleDetector certifies that a batch of proposed edges keeps the graph
// acyclic and within the configured fan-in and depth caps.
type CycleDetector struct {
	maxDirect int
	maxDepth  int
}

// NewCycleDetector returns a detector with the given caps. Non-positive caps
// fall back to the defaults.
func NewCycleDetector(maxDirectDependencies, maxDepth int) *CycleDetector {
	if maxDirectDependencies <= 0 {
		maxDirectDependencies = DefaultMaxDirectDependencies
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &CycleDetector{maxDirect: maxDirectDependencies, maxDepth: maxDepth}
}

func (cd *CycleDetector) MaxDirectDependencies() int { return cd.maxDirect }
func (cd *CycleDetector) MaxDepth() int              { return cd.maxDepth }

// overlay is g plus the proposed edges, seen through prerequisite lists.
type overlay struct {
	g     *Graph
	extra map[string][]string
}

func (o overlay) prerequisites(id string) []string {
	extra := o.extra[id]
	if len(extra) == 0 {
		return o.g.Prerequisites(id)
	}
	base := o.g.Prerequisites(id)
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// Validate checks proposed against g, which must be a forced-fresh snapshot.
// Checks run cheapest first: malformed and self edges, duplicates, direct
// dependency count, cycles, then transitive depth.
func (cd *CycleDetector) Validate(g *Graph, proposed []models.Dependency) error {
	o := overlay{g: g, extra: make(map[string][]string)}
	seen := make(map[models.EdgeKey]struct{}, len(proposed))
	for _, e := range proposed {
		if e.TaskID == "" || e.DependsOn == "" {
			return models.Invalidf(e.TaskID, "dependency edge needs both a dependent and a prerequisite")
		}
		if e.TaskID == e.DependsOn {
			return models.Invalidf(e.TaskID, "task cannot depend on itself")
		}
		k := e.Key()
		if _, dup := seen[k]; dup || g.HasEdge(e.TaskID, e.DependsOn) {
			return models.Invalidf(e.TaskID, "duplicate dependency on %s", e.DependsOn)
		}
		seen[k] = struct{}{}
		o.extra[e.TaskID] = append(o.extra[e.TaskID], e.DependsOn)
	}

	for _, e := range proposed {
		if n := len(g.Prerequisites(e.TaskID)) + len(o.extra[e.TaskID]); n > cd.maxDirect {
			return &models.LimitExceededError{TaskID: e.TaskID, Limit: models.DirectDependenciesLimit, Max: cd.maxDirect, Actual: n}
		}
	}

	color := make(map[string]uint8)
	for _, e := range proposed {
		if path := findCycle(e.DependsOn, o.prerequisites, color); path != nil {
			return &models.CircularDependencyError{Path: path}
		}
	}

	memo := make(map[string]int)
	for _, e := range proposed {
		if d := chainDepth(e.TaskID, o.prerequisites, memo); d > cd.maxDepth {
			return &models.LimitExceededError{TaskID: e.TaskID, Limit: models.DepthLimit, Max: cd.maxDepth, Actual: d}
		}
	}
	return nil
}

// HasCycle reports whether g plus proposed contains a cycle, ignoring caps.
func HasCycle(g *Graph, proposed []models.Dependency) ([]string, bool) {
	o := overlay{g: g, extra: make(map[string][]string)}
	for _, e := range proposed {
		o.extra[e.TaskID] = append(o.extra[e.TaskID], e.DependsOn)
	}
	color := make(map[string]uint8)
	for _, e := range proposed {
		if e.TaskID == e.DependsOn {
			return []string{e.TaskID, e.TaskID}, true
		}
		if path := findCycle(e.DependsOn, o.prerequisites, color); path != nil {
			return path, true
		}
	}
	return nil, false
}

const (
	white uint8 = iota
	gray
	black
)

// findCycle walks prerequisite links depth-first from start with an explicit
// stack. Reaching a node that is still on the stack closes a cycle; the
// returned path starts and ends with that node. color is shared across calls
// so fully explored nodes are never walked twice.
func findCycle(start string, prerequisites func(string) []string, color map[string]uint8) []string {
	if color[start] != white {
		return nil
	}
	type frame struct {
		id   string
		adj  []string
		next int
	}
	pos := map[string]int{start: 0}
	color[start] = gray
	stack := []frame{{id: start, adj: prerequisites(start)}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.adj) {
			n := top.adj[top.next]
			top.next++
			switch color[n] {
			case gray:
				path := make([]string, 0, len(stack)-pos[n]+1)
				for _, f := range stack[pos[n]:] {
					path = append(path, f.id)
				}
				return append(path, n)
			case white:
				color[n] = gray
				pos[n] = len(stack)
				stack = append(stack, frame{id: n, adj: prerequisites(n)})
			}
			continue
		}
		color[top.id] = black
		delete(pos, top.id)
		stack = stack[:len(stack)-1]
	}
	return nil
}
