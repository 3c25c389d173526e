// Package priority turns a task and its position in the dependency graph
// into a single ordering key in [0, 100].
package priority

import (
	"math"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
	"github.com/pkg/errors"
)

// ErrInvalidWeights is returned by NewScorer. It is a configuration error and
// is never retried.
var ErrInvalidWeights = errors.New("invalid priority weights")

const weightTolerance = 1e-6

// Weights of the five sub-scores. They must be non-negative and sum to 1.
type Weights struct {
	Base     float64 `mapstructure:"base" yaml:"base"`
	Depth    float64 `mapstructure:"depth" yaml:"depth"`
	Urgency  float64 `mapstructure:"urgency" yaml:"urgency"`
	Blocking float64 `mapstructure:"blocking" yaml:"blocking"`
	Source   float64 `mapstructure:"source" yaml:"source"`
}

func DefaultWeights() Weights {
	return Weights{Base: 0.30, Depth: 0.25, Urgency: 0.25, Blocking: 0.15, Source: 0.05}
}

func (w Weights) Sum() float64 {
	return w.Base + w.Depth + w.Urgency + w.Blocking + w.Source
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"base": w.Base, "depth": w.Depth, "urgency": w.Urgency, "blocking": w.Blocking, "source": w.Source,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidWeights, "%s weight %v must be a non-negative number", name, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightTolerance {
		return errors.Wrapf(ErrInvalidWeights, "weights sum to %.6f, want 1.0", sum)
	}
	return nil
}

var sourceScores = map[models.Source]float64{
	models.HumanSource:     100,
	models.APISource:       75,
	models.AgentSource:     50,
	models.ScheduledSource: 25,
	models.SystemSource:    10,
}

// Factors are the graph-derived inputs of a score.
type Factors struct {
	Depth        int
	BlockedCount int // direct dependents waiting on the task
}

// Breakdown holds every sub-score of a task next to the final score.
type Breakdown struct {
	Base     float64 `json:"base" yaml:"base"`
	Depth    float64 `json:"depth" yaml:"depth"`
	Urgency  float64 `json:"urgency" yaml:"urgency"`
	Blocking float64 `json:"blocking" yaml:"blocking"`
	Source   float64 `json:"source" yaml:"source"`
	Total    float64 `json:"total" yaml:"total"`
}

// Scorer is safe for concurrent use; Score has no side effects.
type Scorer struct {
	weights Weights
	now     func() time.Time
}

type Option func(*Scorer)

// WithClock replaces time.Now for urgency calculations.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// NewScorer fails fast when w is not a convex combination.
func NewScorer(w Weights, opts ...Option) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{weights: w, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scorer) Weights() Weights { return s.weights }

// Score returns the weighted ordering key of t, clamped to [0, 100].
func (s *Scorer) Score(t models.Task, f Factors) float64 {
	return s.Breakdown(t, f).Total
}

func (s *Scorer) Breakdown(t models.Task, f Factors) Breakdown {
	b := Breakdown{
		Base:     BaseScore(t.BasePriority),
		Depth:    DepthScore(f.Depth),
		Urgency:  UrgencyScore(t.Deadline, t.EstimatedDuration, s.now()),
		Blocking: BlockingScore(f.BlockedCount),
		Source:   SourceScore(t.Source),
	}
	w := s.weights
	b.Total = clamp(w.Base*b.Base + w.Depth*b.Depth + w.Urgency*b.Urgency + w.Blocking*b.Blocking + w.Source*b.Source)
	return b
}

// BaseScore rescales the caller priority range linearly onto 0-100.
func BaseScore(p int) float64 {
	span := float64(models.MaxBasePriority - models.MinBasePriority)
	return clamp(float64(p-models.MinBasePriority) / span * 100)
}

func DepthScore(depth int) float64 {
	return math.Min(float64(depth)*10, 100)
}

// UrgencyScore is 50 without a deadline. With an estimated duration it decays
// exponentially with slack (time left after the estimated work) and saturates
// at 100 once the slack is shorter than the work itself. Without an estimate
// it steps down by remaining time.
func UrgencyScore(deadline *time.Time, estimated *time.Duration, now time.Time) float64 {
	if deadline == nil {
		return 50
	}
	remaining := deadline.Sub(now)
	if estimated != nil && *estimated > 0 {
		slack := remaining - *estimated
		if slack < *estimated {
			return 100
		}
		return clamp(100 * math.Exp(-float64(slack)/(2*float64(*estimated))))
	}
	switch {
	case remaining <= time.Minute:
		return 100
	case remaining <= time.Hour:
		return 80
	case remaining <= 24*time.Hour:
		return 50
	case remaining <= 7*24*time.Hour:
		return 30
	default:
		return 10
	}
}

// BlockingScore grows logarithmically with the number of direct dependents.
func BlockingScore(blocked int) float64 {
	if blocked <= 0 {
		return 0
	}
	return math.Min(math.Log10(float64(blocked)+1)*33.33, 100)
}

// SourceScore is a fixed policy table; unknown sources score lowest.
func SourceScore(src models.Source) float64 {
	return sourceScores[src]
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
