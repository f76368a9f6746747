package noise

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/ecocycle/navigator/internal/projection"
	"github.com/ecocycle/navigator/internal/scoring"
)

// DefaultFallbackRadiusM is how far from a segment midpoint a zone may be when
// no zone contains it.
const DefaultFallbackRadiusM = 25.0

// Scorer rates each segment by the noise zone at its midpoint.
type Scorer struct {
	data           *Dataset
	utm            projection.UTM
	fallbackRadius float64
}

// NewScorer binds a dataset. A non-positive radius disables the fallback search.
func NewScorer(data *Dataset, utm projection.UTM, fallbackRadiusM float64) (*Scorer, error) {
	if data == nil {
		return nil, eris.Wrap(scoring.ErrConfiguration, "noise: nil dataset")
	}
	return &Scorer{data: data, utm: utm, fallbackRadius: max(fallbackRadiusM, 0)}, nil
}

// Criterion implements scoring.Scorer.
func (s *Scorer) Criterion() scoring.Criterion { return scoring.Noise }

// Annotate implements scoring.Scorer.
func (s *Scorer) Annotate(ctx context.Context, route *scoring.Route) ([]scoring.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "noise: annotate")
	}
	segments := route.Segments()
	out := make([]scoring.Annotation, len(segments))
	for i, seg := range segments {
		p := s.utm.Forward(seg.Midpoint())
		id, ok := s.data.Match(p, s.fallbackRadius)
		if !ok {
			continue
		}
		db := s.data.Zone(id).DB
		out[i] = scoring.Annotation{
			Score:      scoring.Of(DBToScore(db)),
			Attributes: map[string]any{"noise_db": db},
		}
	}
	return out, nil
}

// ScoreRoute implements scoring.Scorer: mean of segments with data.
func (s *Scorer) ScoreRoute(scores []scoring.Score) float64 {
	return scoring.MeanPresent(scores)
}

// FeatureCollection returns every zone in WGS84 with its level and score as
// properties, in dataset order.
func (s *Scorer) FeatureCollection() (*geojson.FeatureCollection, error) {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, s.data.Len())}
	for i := range s.data.Len() {
		z := s.data.Zone(i)
		g, err := s.utm.InverseGeometry(z.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "noise: zone %d", i)
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       strconv.Itoa(i),
			Geometry: g,
			Properties: map[string]any{
				"noise_db": z.DB,
				"score":    DBToScore(z.DB),
			},
		})
	}
	return fc, nil
}
