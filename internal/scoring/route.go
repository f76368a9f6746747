package scoring

import (
	"context"
	"sync"

	"github.com/ecocycle/navigator/internal/geo"
)

// RawRoute is a candidate route as supplied by the routing provider.
type RawRoute struct {
	Geometry  []geo.Coordinate `json:"geometry"`
	DistanceM float64          `json:"distance_m"`
	DurationS float64          `json:"duration_s"`
}

// Supplier produces candidate routes between two points.
type Supplier interface {
	Routes(ctx context.Context, start, end geo.Coordinate) ([]RawRoute, error)
}

// Route is a candidate route with its segmentation computed on first use and
// shared by every scorer.
type Route struct {
	RawRoute

	segmentLengthM float64
	once           sync.Once
	segments       []geo.Segment
}

// NewRoute wraps raw for scoring with the given target segment length.
func NewRoute(raw RawRoute, segmentLengthM float64) *Route {
	return &Route{RawRoute: raw, segmentLengthM: segmentLengthM}
}

// Segments returns the route split into consecutive segments. Malformed
// geometry yields an empty list.
func (r *Route) Segments() []geo.Segment {
	r.once.Do(func() {
		r.segments = geo.SplitGeometry(r.Geometry, r.segmentLengthM)
	})
	return r.segments
}
