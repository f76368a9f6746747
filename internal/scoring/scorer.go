package scoring

import "context"

// Annotation is one segment's result for one criterion.
type Annotation struct {
	Score      Score          `json:"score"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Scorer rates route segments against one criterion.
//
// Annotate must return exactly one annotation per route segment, in order.
// Missing data is reported as NoData, never as an error; errors are reserved for
// cancellation and broken invariants. ScoreRoute folds the annotations' scores
// into the criterion's route scalar.
type Scorer interface {
	Criterion() Criterion
	Annotate(ctx context.Context, route *Route) ([]Annotation, error)
	ScoreRoute(scores []Score) float64
}

// Scores extracts the score column from annotations.
func Scores(anns []Annotation) []Score {
	out := make([]Score, len(anns))
	for i, a := range anns {
		out[i] = a.Score
	}
	return out
}

// NoDataAnnotations returns n empty annotations.
func NoDataAnnotations(n int) []Annotation {
	return make([]Annotation, n)
}
