package graph_test

import (
	"testing"
	"time"

	"github.com/ignatij/flowsched/pkg/graph"
	"github.com/ignatij/flowsched/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestDepthCalculator(t *testing.T) {
	t.Run("diamond depths", func(t *testing.T) {
		dc := graph.NewDepthCalculator()
		g := diamond()
		assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 1, "D": 2, "E": 0},
			dc.Depths(g, []string{"A", "B", "C", "D", "E"}))
	})

	t.Run("longest chain wins", func(t *testing.T) {
		g := graph.New([]models.Dependency{
			edge("d", "a"),
			edge("d", "c"),
			edge("c", "b"),
			edge("b", "a"),
		}, 1, time.Now())
		assert.Equal(t, 3, graph.NewDepthCalculator().Depth(g, "d"))
	})

	t.Run("memoized within an epoch", func(t *testing.T) {
		dc := graph.NewDepthCalculator()
		g := diamond()
		assert.Equal(t, 2, dc.Depth(g, "D"))
		assert.Equal(t, 1, dc.Depth(g, "B"))
		assert.Equal(t, 2, dc.Depth(g, "D"))

		hits, misses := dc.Stats()
		assert.Equal(t, uint64(2), hits)
		assert.Equal(t, uint64(1), misses)
	})

	t.Run("newer epoch discards the memo", func(t *testing.T) {
		dc := graph.NewDepthCalculator()
		before := graph.New([]models.Dependency{edge("c", "b"), edge("b", "a")}, 1, time.Now())
		assert.Equal(t, 2, dc.Depth(before, "c"))

		// b's prerequisite a resolved
		after := graph.New([]models.Dependency{edge("c", "b")}, 2, time.Now())
		assert.Equal(t, 1, dc.Depth(after, "c"))
		assert.Equal(t, 0, dc.Depth(after, "b"))

		// an older snapshot does not overwrite newer results
		assert.Equal(t, 2, dc.Depth(before, "c"))
		assert.Equal(t, 1, dc.Depth(after, "c"))
	})

	t.Run("reset", func(t *testing.T) {
		dc := graph.NewDepthCalculator()
		g := diamond()
		dc.Depth(g, "D")
		dc.Reset()
		dc.Depth(g, "D")
		hits, misses := dc.Stats()
		assert.Equal(t, uint64(0), hits)
		assert.Equal(t, uint64(2), misses)
	})
}
