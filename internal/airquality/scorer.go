package airquality

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ecocycle/navigator/internal/scoring"
)

// Scorer rates each segment by the air quality at its midpoint.
type Scorer struct {
	grid *Grid
}

// NewScorer binds a grid.
func NewScorer(grid *Grid) (*Scorer, error) {
	if grid == nil {
		return nil, eris.Wrap(scoring.ErrConfiguration, "airquality: nil grid")
	}
	return &Scorer{grid: grid}, nil
}

// Criterion implements scoring.Scorer.
func (s *Scorer) Criterion() scoring.Criterion { return scoring.AirQuality }

// Annotate implements scoring.Scorer. Segments whose midpoint falls outside
// the grid, or on a cell with no measurements, get no data.
func (s *Scorer) Annotate(ctx context.Context, route *scoring.Route) ([]scoring.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "airquality: annotate")
	}
	segments := route.Segments()
	out := make([]scoring.Annotation, len(segments))
	for i, seg := range segments {
		mid := seg.Midpoint()
		cell, ok := s.grid.Lookup(mid.Lat, mid.Lon)
		if !ok {
			continue
		}
		attrs := make(map[string]any, len(Pollutants))
		for _, p := range Pollutants {
			if v, ok := cell.Concentration(p); ok {
				attrs[string(p)] = v
			}
		}
		out[i] = scoring.Annotation{Score: cell.Score(), Attributes: attrs}
	}
	return out, nil
}

// ScoreRoute implements scoring.Scorer: worst-weighted over segments with data.
func (s *Scorer) ScoreRoute(scores []scoring.Score) float64 {
	return scoring.WorstWeighted(scores)
}
