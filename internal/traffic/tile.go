// Package traffic scores route segments by live traffic flow read from
// vector tiles, with preloaded tiles, a bounded cache and on-demand fetching.
package traffic

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
)

// Flow is the flow style requested from the tile provider.
type Flow string

const (
	// Absolute carries speeds, not ratios, and is not scored.
	Absolute Flow = "absolute"
	// Relative carries current speed over free-flow speed.
	Relative           Flow = "relative"
	RelativeDelay      Flow = "relative-delay"
	ReducedSensitivity Flow = "reduced-sensitivity"
)

// LevelProperty is the feature property holding the flow ratio.
const LevelProperty = "traffic_level"

// ErrUnsupportedFlow is returned for flow styles the provider does not serve.
var ErrUnsupportedFlow = eris.New("traffic: unsupported flow")

// ParseFlow validates a flow style name.
func ParseFlow(s string) (Flow, error) {
	switch f := Flow(strings.ToLower(strings.TrimSpace(s))); f {
	case Absolute, Relative, RelativeDelay, ReducedSensitivity:
		return f, nil
	}
	return "", eris.Wrapf(ErrUnsupportedFlow, "traffic: %q", s)
}

// TileKey identifies one flow tile.
type TileKey struct {
	X    uint32
	Y    uint32
	Zoom maptile.Zoom
	Flow Flow
}

// KeyAt returns the key of the tile containing p (lon, lat) at zoom z.
func KeyAt(p orb.Point, z maptile.Zoom, flow Flow) TileKey {
	t := maptile.At(p, z)
	return TileKey{X: t.X, Y: t.Y, Zoom: t.Z, Flow: flow}
}

// Tile returns the slippy map tile for the key.
func (k TileKey) Tile() maptile.Tile {
	return maptile.New(k.X, k.Y, k.Zoom)
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Flow, k.Zoom, k.X, k.Y)
}

// Feature is a road line with its flow ratio in [0, 1], if the tile had one.
type Feature struct {
	Geometry orb.Geometry
	Level    *float64
}

// Tile is a decoded flow tile in WGS84 degrees.
type Tile struct {
	Key      TileKey
	Features []Feature
}

var gzipMagic = []byte{0x1f, 0x8b}

// DecodeTile parses a Mapbox vector tile, gzipped or not, keeping line
// features from every layer.
func DecodeTile(key TileKey, data []byte) (*Tile, error) {
	var layers mvt.Layers
	var err error
	if bytes.HasPrefix(data, gzipMagic) {
		layers, err = mvt.UnmarshalGzipped(data)
	} else {
		layers, err = mvt.Unmarshal(data)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "traffic: decode tile %s", key)
	}
	layers.ProjectToWGS84(key.Tile())

	tile := &Tile{Key: key}
	for _, l := range layers {
		for _, f := range l.Features {
			switch f.Geometry.(type) {
			case orb.LineString, orb.MultiLineString:
			default:
				continue
			}
			tile.Features = append(tile.Features, Feature{
				Geometry: f.Geometry,
				Level:    level(f.Properties[LevelProperty]),
			})
		}
	}
	return tile, nil
}

// level reads a flow ratio and clamps it to [0, 1].
func level(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case int:
		f = float64(x)
	default:
		return nil
	}
	if math.IsNaN(f) {
		return nil
	}
	f = min(max(f, 0), 1)
	return &f
}

// Nearest returns the feature closest to p by planar distance in degrees.
// Ties go to the earlier feature.
func (t *Tile) Nearest(p orb.Point) (Feature, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, f := range t.Features {
		if d := planar.DistanceFrom(f.Geometry, p); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Feature{}, false
	}
	return t.Features[best], true
}
