package graph_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ignatij/flowsched/pkg/graph"
	"github.com/ignatij/flowsched/pkg/models"
	"pgregory.net/rapid"
)

// Edges accepted one at a time by the detector never form a cycle, so the
// resulting graph always has a valid order and strictly increasing depths.
func TestAcceptedEdgesStayAcyclic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(t, "tasks")
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("t%02d", i)
		}

		cd := graph.NewCycleDetector(graph.DefaultMaxDirectDependencies, 1000)
		var accepted []models.Dependency
		g := graph.New(nil, 0, time.Now())
		for i := 0; i < steps; i++ {
			from := rapid.SampledFrom(ids).Draw(t, "dependent")
			to := rapid.SampledFrom(ids).Draw(t, "prerequisite")
			proposed := []models.Dependency{edge(from, to)}

			err := cd.Validate(g, proposed)
			if err != nil {
				var cde *models.CircularDependencyError
				if errors.As(err, &cde) {
					if cde.Path[0] != cde.Path[len(cde.Path)-1] {
						t.Fatalf("cycle path %v is not closed", cde.Path)
					}
					continue
				}
				if !errors.Is(err, models.ErrValidation) {
					t.Fatalf("unexpected error: %v", err)
				}
				continue
			}
			accepted = append(accepted, proposed...)
			g = graph.New(accepted, uint64(i+1), time.Now())
		}

		order, err := graph.TopologicalOrder(g, ids, nil)
		if err != nil {
			t.Fatalf("accepted edges produced a cycle: %v", err)
		}
		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		depths := graph.NewDepthCalculator().Depths(g, ids)
		for _, e := range accepted {
			if pos[e.DependsOn] >= pos[e.TaskID] {
				t.Fatalf("%s ordered before its prerequisite %s", e.TaskID, e.DependsOn)
			}
			if depths[e.TaskID] <= depths[e.DependsOn] {
				t.Fatalf("depth(%s)=%d not above depth(%s)=%d", e.TaskID, depths[e.TaskID], e.DependsOn, depths[e.DependsOn])
			}
		}
	})
}

// Resolving a prerequisite only removes edges, so no depth may grow.
func TestResolvingNeverDeepens(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 15).Draw(t, "tasks")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("t%02d", i)
		}
		// a dependent always has a higher index than its prerequisite
		var edges []models.Dependency
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge %d->%d", i, j)) {
					edges = append(edges, edge(ids[i], ids[j]))
				}
			}
		}
		resolved := rapid.SampledFrom(ids).Draw(t, "resolved")
		var remaining []models.Dependency
		for _, e := range edges {
			if e.DependsOn != resolved {
				remaining = append(remaining, e)
			}
		}

		g1 := graph.New(edges, 1, time.Now())
		g2 := graph.New(remaining, 2, time.Now())
		dc := graph.NewDepthCalculator()
		before := dc.Depths(g1, ids)
		after := dc.Depths(g2, ids)
		for _, id := range ids {
			if after[id] > before[id] {
				t.Fatalf("depth(%s) grew from %d to %d after resolving %s", id, before[id], after[id], resolved)
			}
		}
		for _, d := range g1.Dependents(resolved) {
			if after[d] > 0 && len(g2.Prerequisites(d)) == 0 {
				t.Fatalf("%s has no prerequisites left but depth %d", d, after[d])
			}
		}
	})
}
