package graph

import (
	"container/heap"
	"sort"

	"github.com/ignatij/flowsched/pkg/models"
)

// LessFunc orders tasks that become available at the same time. It returns
// true when a should run before b.
type LessFunc func(a, b string) bool

type frontier struct {
	ids  []string
	less LessFunc
}

func (f frontier) Len() int           { return len(f.ids) }
func (f frontier) Less(i, j int) bool { return f.less(f.ids[i], f.ids[j]) }
func (f frontier) Swap(i, j int)      { f.ids[i], f.ids[j] = f.ids[j], f.ids[i] }
func (f *frontier) Push(x any)        { f.ids = append(f.ids, x.(string)) }
func (f *frontier) Pop() any {
	old := f.ids
	n := len(old)
	x := old[n-1]
	f.ids = old[:n-1]
	return x
}

// TopologicalOrder returns ids ordered so that every prerequisite precedes its
// dependents, considering only edges with both ends in ids. Among tasks that
// are available together, less decides; a nil less orders by id.
//
// A cycle in the induced subgraph is reported as a CircularDependencyError
// listing the tasks that could not be ordered.
func TopologicalOrder(g *Graph, ids []string, less LessFunc) ([]string, error) {
	if less == nil {
		less = func(a, b string) bool { return a < b }
	}
	inSet := make(map[string]struct{}, len(ids))
	nodes := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := inSet[id]; dup {
			continue
		}
		inSet[id] = struct{}{}
		nodes = append(nodes, id)
	}

	inDegree := make(map[string]int, len(nodes))
	for _, id := range nodes {
		for _, p := range g.Prerequisites(id) {
			if _, ok := inSet[p]; ok {
				inDegree[id]++
			}
		}
	}

	ready := &frontier{less: less}
	for _, id := range nodes {
		if inDegree[id] == 0 {
			ready.ids = append(ready.ids, id)
		}
	}
	heap.Init(ready)

	order := make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		curr := heap.Pop(ready).(string)
		order = append(order, curr)
		for _, d := range g.Dependents(curr) {
			if _, ok := inSet[d]; !ok {
				continue
			}
			inDegree[d]--
			if inDegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if len(order) < len(nodes) {
		var remainder []string
		for _, id := range nodes {
			if inDegree[id] > 0 {
				remainder = append(remainder, id)
			}
		}
		sort.Strings(remainder)
		return nil, &models.CircularDependencyError{Path: remainder}
	}
	return order, nil
}
