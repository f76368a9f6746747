package scoring

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecocycle/navigator/internal/geo"
)

// SegmentResult is one scored segment of a route.
type SegmentResult struct {
	Geometry   []geo.Coordinate             `json:"geometry"`
	Scores     map[Criterion]Score          `json:"scores"`
	Attributes map[Criterion]map[string]any `json:"attributes,omitempty"`
}

// Result is a fully scored route.
type Result struct {
	Geometry  []geo.Coordinate      `json:"geometry"`
	DistanceM float64               `json:"distance_m"`
	DurationS float64               `json:"duration_s"`
	Segments  []SegmentResult       `json:"segments"`
	Scores    map[Criterion]float64 `json:"scores"`
}

// Aggregator runs every configured scorer over candidate routes.
type Aggregator struct {
	scorers        map[Criterion]Scorer
	order          []Criterion
	segmentLengthM float64
	routeLimit     int
}

// NewAggregator registers scorers by criterion. Registering a criterion twice
// is a configuration error. routeLimit bounds how many routes are scored at
// once; values below 1 mean no limit.
func NewAggregator(segmentLengthM float64, routeLimit int, scorers ...Scorer) (*Aggregator, error) {
	if segmentLengthM <= 0 {
		return nil, eris.Wrapf(ErrConfiguration, "scoring: segment length must be positive, got %v", segmentLengthM)
	}
	a := &Aggregator{
		scorers:        make(map[Criterion]Scorer, len(scorers)),
		segmentLengthM: segmentLengthM,
		routeLimit:     routeLimit,
	}
	for _, s := range scorers {
		c := s.Criterion()
		if _, dup := a.scorers[c]; dup {
			return nil, eris.Wrapf(ErrConfiguration, "scoring: duplicate scorer for %q", c)
		}
		a.scorers[c] = s
	}
	for _, c := range Criteria {
		if _, ok := a.scorers[c]; ok {
			a.order = append(a.order, c)
		}
	}
	var extra []Criterion
	for c := range a.scorers {
		if !slices.Contains(Criteria, c) {
			extra = append(extra, c)
		}
	}
	slices.Sort(extra)
	a.order = append(a.order, extra...)
	return a, nil
}

// Criteria returns the registered criteria in output order.
func (a *Aggregator) Criteria() []Criterion {
	return slices.Clone(a.order)
}

// Score scores a single candidate route. Scorers annotate concurrently; each
// writes only its own slot of the result table.
func (a *Aggregator) Score(ctx context.Context, raw RawRoute) (*Result, error) {
	route := NewRoute(raw, a.segmentLengthM)
	segments := route.Segments()

	anns := make([][]Annotation, len(a.order))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range a.order {
		scorer := a.scorers[c]
		g.Go(func() error {
			out, err := scorer.Annotate(gctx, route)
			if err != nil {
				return eris.Wrapf(err, "scoring: annotate %s", c)
			}
			if len(out) != len(segments) {
				return eris.Errorf("scoring: %s returned %d annotations for %d segments", c, len(out), len(segments))
			}
			anns[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Geometry:  raw.Geometry,
		DistanceM: raw.DistanceM,
		DurationS: raw.DurationS,
		Segments:  make([]SegmentResult, len(segments)),
		Scores:    make(map[Criterion]float64, len(a.order)),
	}
	for j, seg := range segments {
		res.Segments[j] = SegmentResult{
			Geometry: seg.Points,
			Scores:   make(map[Criterion]Score, len(a.order)),
		}
	}
	for i, c := range a.order {
		for j, ann := range anns[i] {
			sr := &res.Segments[j]
			sr.Scores[c] = ann.Score
			if len(ann.Attributes) > 0 {
				if sr.Attributes == nil {
					sr.Attributes = make(map[Criterion]map[string]any)
				}
				sr.Attributes[c] = ann.Attributes
			}
		}
		res.Scores[c] = a.scorers[c].ScoreRoute(Scores(anns[i]))
	}

	zap.L().Debug("scoring: route scored",
		zap.Int("segments", len(segments)),
		zap.Any("scores", res.Scores),
	)
	return res, nil
}

// ScoreAll scores candidate routes concurrently, preserving input order.
func (a *Aggregator) ScoreAll(ctx context.Context, raws []RawRoute) ([]*Result, error) {
	results := make([]*Result, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	if a.routeLimit > 0 {
		g.SetLimit(a.routeLimit)
	}
	for i, raw := range raws {
		g.Go(func() error {
			res, err := a.Score(gctx, raw)
			if err != nil {
				return eris.Wrapf(err, "scoring: route %d", i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
