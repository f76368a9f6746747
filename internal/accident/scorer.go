package accident

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ecocycle/navigator/internal/geo"
	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/spatial"
)

const hoursPerYear = 365 * 24

// Config holds the decay model parameters.
type Config struct {
	// DecayLambda is the per-year exponential decay rate of an accident's weight.
	DecayLambda float64 `mapstructure:"decay_lambda"`
	// K is the half-saturation constant: a segment whose summed weight equals K scores 5.5.
	K float64 `mapstructure:"k"`
	// BufferM is the match distance around a segment in meters.
	BufferM float64 `mapstructure:"buffer_m"`
}

// DefaultConfig returns lambda 0.3, K 1.3 and a 10 m buffer.
func DefaultConfig() Config {
	return Config{DecayLambda: 0.3, K: 1.3, BufferM: 10}
}

// Scorer rates segments by nearby accident history.
type Scorer struct {
	cfg  Config
	data *Dataset

	nowFunc func() time.Time
}

// NewScorer validates cfg and binds it to data.
func NewScorer(data *Dataset, cfg Config) (*Scorer, error) {
	if data == nil {
		return nil, eris.Wrap(scoring.ErrConfiguration, "accident: nil dataset")
	}
	if cfg.DecayLambda <= 0 || cfg.K <= 0 || cfg.BufferM < 0 {
		return nil, eris.Wrapf(scoring.ErrConfiguration,
			"accident: invalid parameters lambda=%v k=%v buffer=%v", cfg.DecayLambda, cfg.K, cfg.BufferM)
	}
	return &Scorer{cfg: cfg, data: data, nowFunc: time.Now}, nil
}

// Criterion implements scoring.Scorer.
func (s *Scorer) Criterion() scoring.Criterion { return scoring.Accident }

// AccidentsOnRoute returns the ids of accidents within the buffer of the whole
// route, in ascending order.
func (s *Scorer) AccidentsOnRoute(route *scoring.Route) []int {
	if len(route.Geometry) == 0 {
		return nil
	}
	line := s.data.utm.LineString(route.Geometry)
	var hits []int
	for _, id := range s.data.index.Search(spatial.Buffer(line.Bounds(), s.cfg.BufferM)) {
		if spatial.WithinBuffer(line, s.cfg.BufferM, s.data.projected[id]) {
			hits = append(hits, id)
		}
	}
	return hits
}

// Weight returns exp(-lambda * age in years). Accidents dated after now count
// as brand new.
func (s *Scorer) Weight(at, now time.Time) float64 {
	age := max(now.Sub(at).Hours()/hoursPerYear, 0)
	return math.Exp(-s.cfg.DecayLambda * age)
}

// ScoreWeight maps a summed weight to 1 + 9*K/(W+K), rounded to 2 decimals.
// Rounding never reaches 1, and only W == 0 scores 10.
func (s *Scorer) ScoreWeight(w float64) float64 {
	if w <= 0 {
		return 10
	}
	return min(max(scoring.Round2(1+9*s.cfg.K/(w+s.cfg.K)), 1.01), 9.99)
}

// AnnotateWith scores each segment against the route's candidate accidents.
// Each annotation lists the labels of the accidents it matched.
func (s *Scorer) AnnotateWith(segments []geo.Segment, candidates []int) []scoring.Annotation {
	now := s.nowFunc()
	out := make([]scoring.Annotation, len(segments))
	for i, seg := range segments {
		line := s.data.utm.LineString(seg.Points)
		box := spatial.Buffer(line.Bounds(), s.cfg.BufferM)

		var w float64
		labels := []string{}
		for _, id := range candidates {
			p := s.data.projected[id]
			if p[0] < box.Min(0) || p[0] > box.Max(0) || p[1] < box.Min(1) || p[1] > box.Max(1) {
				continue
			}
			if !spatial.WithinBuffer(line, s.cfg.BufferM, p) {
				continue
			}
			rec := s.data.records[id]
			w += s.Weight(rec.Time, now)
			labels = append(labels, rec.Label())
		}
		out[i] = scoring.Annotation{
			Score:      scoring.Of(s.ScoreWeight(w)),
			Attributes: map[string]any{"accidents": labels},
		}
	}
	return out
}

// Annotate implements scoring.Scorer.
func (s *Scorer) Annotate(ctx context.Context, route *scoring.Route) ([]scoring.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "accident: annotate")
	}
	return s.AnnotateWith(route.Segments(), s.AccidentsOnRoute(route)), nil
}

// ScoreRoute implements scoring.Scorer with the worst-weighted rule.
func (s *Scorer) ScoreRoute(scores []scoring.Score) float64 {
	return scoring.WorstWeighted(scores)
}
