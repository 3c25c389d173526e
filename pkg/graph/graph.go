// Package graph holds the in-memory dependency view of the scheduler and the
// algorithms that run over it: cycle detection, topological ordering and
// depth calculation.
//
// A Graph is an immutable snapshot over unresolved edges. It is produced by
// the Cache and stamped with the epoch of the build that produced it.
package graph

import (
	"sort"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
)

// Graph is an immutable adjacency view over unresolved dependency edges.
type Graph struct {
	epoch   uint64
	builtAt time.Time

	// prerequisite -> dependents
	dependents map[string][]string
	// dependent -> prerequisites
	prerequisites map[string][]string
	kinds         map[models.EdgeKey]models.DependencyKind
}

// New builds a snapshot from edges. Resolved edges and exact duplicates are
// ignored. Adjacency lists are sorted so every traversal is deterministic.
func New(edges []models.Dependency, epoch uint64, builtAt time.Time) *Graph {
	g := &Graph{
		epoch:         epoch,
		builtAt:       builtAt,
		dependents:    make(map[string][]string),
		prerequisites: make(map[string][]string),
		kinds:         make(map[models.EdgeKey]models.DependencyKind, len(edges)),
	}
	for _, e := range edges {
		if e.ResolvedAt != nil {
			continue
		}
		k := e.Key()
		if _, dup := g.kinds[k]; dup {
			continue
		}
		g.kinds[k] = e.Kind
		g.dependents[e.DependsOn] = append(g.dependents[e.DependsOn], e.TaskID)
		g.prerequisites[e.TaskID] = append(g.prerequisites[e.TaskID], e.DependsOn)
	}
	for _, l := range g.dependents {
		sort.Strings(l)
	}
	for _, l := range g.prerequisites {
		sort.Strings(l)
	}
	return g
}

// Epoch identifies the cache build that produced g.
func (g *Graph) Epoch() uint64 { return g.epoch }

// BuiltAt is when the snapshot was built.
func (g *Graph) BuiltAt() time.Time { return g.builtAt }

// Dependents returns the tasks directly waiting on id. The slice must not be
// modified.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// Prerequisites returns the unresolved prerequisites of id. The slice must not
// be modified.
func (g *Graph) Prerequisites(id string) []string { return g.prerequisites[id] }

// IsReady reports whether id has no unresolved prerequisite.
func (g *Graph) IsReady(id string) bool { return len(g.prerequisites[id]) == 0 }

// HasEdge reports whether the unresolved edge dependent -> prerequisite exists.
func (g *Graph) HasEdge(dependent, prerequisite string) bool {
	_, ok := g.kinds[models.EdgeKey{TaskID: dependent, DependsOn: prerequisite}]
	return ok
}

// Kind returns the kind of an edge and whether it exists.
func (g *Graph) Kind(dependent, prerequisite string) (models.DependencyKind, bool) {
	k, ok := g.kinds[models.EdgeKey{TaskID: dependent, DependsOn: prerequisite}]
	return k, ok
}

// EdgeCount is the number of unresolved edges.
func (g *Graph) EdgeCount() int { return len(g.kinds) }

// Nodes returns every task that appears on an unresolved edge, sorted.
func (g *Graph) Nodes() []string {
	seen := make(map[string]struct{}, len(g.dependents)+len(g.prerequisites))
	for id := range g.dependents {
		seen[id] = struct{}{}
	}
	for id := range g.prerequisites {
		seen[id] = struct{}{}
	}
	nodes := make([]string, 0, len(seen))
	for id := range seen {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Downstream returns every task transitively waiting on id, in breadth-first
// order. id itself is not included.
func (g *Graph) Downstream(id string) []string {
	visited := map[string]struct{}{id: {}}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[curr] {
			if _, ok := visited[d]; ok {
				continue
			}
			visited[d] = struct{}{}
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out
}
