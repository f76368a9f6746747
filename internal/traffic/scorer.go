package traffic

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/scoring"
)

// MaxZoom is the deepest tile zoom the provider serves.
const MaxZoom = 22

// Config tunes the traffic scorer.
type Config struct {
	Zoom int  `mapstructure:"zoom"`
	Flow Flow `mapstructure:"flow"`
}

// DefaultConfig scores relative flow at zoom 14.
func DefaultConfig() Config {
	return Config{Zoom: 14, Flow: Relative}
}

// Scorer rates each segment by the flow ratio of the road nearest its midpoint.
type Scorer struct {
	provider *Provider
	zoom     maptile.Zoom
	flow     Flow
}

// NewScorer binds a provider.
func NewScorer(provider *Provider, cfg Config) (*Scorer, error) {
	if provider == nil {
		return nil, eris.Wrap(scoring.ErrConfiguration, "traffic: nil provider")
	}
	if cfg.Zoom < 0 || cfg.Zoom > MaxZoom {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "traffic: zoom %d outside 0..%d", cfg.Zoom, MaxZoom)
	}
	flow, err := ParseFlow(string(cfg.Flow))
	if err != nil {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "traffic: %v", err)
	}
	return &Scorer{provider: provider, zoom: maptile.Zoom(cfg.Zoom), flow: flow}, nil
}

// Criterion implements scoring.Scorer.
func (s *Scorer) Criterion() scoring.Criterion { return scoring.Traffic }

// Annotate implements scoring.Scorer. Absolute flow carries no ratio and
// yields no data without touching the provider. A tile that cannot be loaded
// leaves its segments without data.
func (s *Scorer) Annotate(ctx context.Context, route *scoring.Route) ([]scoring.Annotation, error) {
	segments := route.Segments()
	if s.flow == Absolute {
		return scoring.NoDataAnnotations(len(segments)), nil
	}
	out := make([]scoring.Annotation, len(segments))

	type lookup struct {
		tile *Tile
		err  error
	}
	seen := make(map[TileKey]lookup)

	for i, seg := range segments {
		mid := seg.Midpoint()
		p := orb.Point{mid.Lon, mid.Lat}
		key := KeyAt(p, s.zoom, s.flow)

		l, ok := seen[key]
		if !ok {
			l.tile, l.err = s.provider.Tile(ctx, key)
			seen[key] = l
			if l.err != nil {
				if ctx.Err() != nil {
					return nil, eris.Wrap(ctx.Err(), "traffic: annotate")
				}
				zap.L().Warn("traffic: tile unavailable", zap.Stringer("tile", key), zap.Error(l.err))
			}
		}
		if l.err != nil {
			continue
		}

		f, ok := l.tile.Nearest(p)
		if !ok || f.Level == nil {
			continue
		}
		out[i] = scoring.Annotation{
			Score:      scoring.Of(LevelToScore(*f.Level)),
			Attributes: map[string]any{LevelProperty: *f.Level},
		}
	}
	return out, nil
}

// ScoreRoute implements scoring.Scorer: mean of segments with data.
func (s *Scorer) ScoreRoute(scores []scoring.Score) float64 {
	return scoring.MeanPresent(scores)
}

// LevelToScore maps a flow ratio in [0, 1] to 1..10.
func LevelToScore(ratio float64) float64 {
	return 1 + 9*min(max(ratio, 0), 1)
}
