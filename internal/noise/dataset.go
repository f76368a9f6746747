package noise

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/ecocycle/navigator/internal/spatial"
)

// Zone is a mapped noise area in the metric frame.
type Zone struct {
	Geometry geom.T
	DB       float64
}

// Dataset is an immutable, spatially indexed set of zones.
type Dataset struct {
	zones []Zone
	area  []float64
	index *spatial.Index
}

// NewDataset indexes zones by their bounds.
func NewDataset(zones []Zone) *Dataset {
	d := &Dataset{zones: zones, area: make([]float64, len(zones))}
	bounds := make([]*geom.Bounds, len(zones))
	for i, z := range zones {
		bounds[i] = z.Geometry.Bounds()
		d.area[i] = spatial.Area(z.Geometry)
	}
	d.index = spatial.NewIndex(bounds)
	return d
}

// Len returns the number of zones.
func (d *Dataset) Len() int { return len(d.zones) }

// Zone returns zone i.
func (d *Dataset) Zone(i int) Zone { return d.zones[i] }

// Match finds the zone for p. Zones containing p win, the smallest first;
// otherwise the nearest zone within radius. Ties go to the lowest index.
func (d *Dataset) Match(p geom.Coord, radius float64) (int, bool) {
	best, bestArea := -1, math.Inf(1)
	for _, id := range d.index.Search(spatial.PointBounds(p, 0)) {
		if !spatial.Contains(d.zones[id].Geometry, p) {
			continue
		}
		if d.area[id] < bestArea {
			best, bestArea = id, d.area[id]
		}
	}
	if best >= 0 {
		return best, true
	}

	bestDist := math.Inf(1)
	for _, id := range d.index.Search(spatial.PointBounds(p, radius)) {
		dist := spatial.Distance(d.zones[id].Geometry, p)
		if dist <= radius && dist < bestDist {
			best, bestDist = id, dist
		}
	}
	return best, best >= 0
}
