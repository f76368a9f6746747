package spatial

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// DistanceToLine returns the planar distance from p to the polyline. A single
// vertex line degrades to point distance.
func DistanceToLine(line *geom.LineString, p geom.Coord) float64 {
	flat := line.FlatCoords()
	stride := line.Stride()
	switch {
	case len(flat) == 0:
		return math.Inf(1)
	case len(flat) < 2*stride:
		return math.Hypot(p[0]-flat[0], p[1]-flat[1])
	}
	return xy.DistanceFromPointToLineString(line.Layout(), p, flat)
}

// WithinBuffer reports whether p lies inside the r-buffer of line.
func WithinBuffer(line *geom.LineString, r float64, p geom.Coord) bool {
	return DistanceToLine(line, p) <= r
}

// Contains reports whether p lies inside a polygonal geometry using even-odd
// parity over all rings, so holes and multi-part polygons need no special
// handling. Non-polygonal geometries contain nothing.
func Contains(g geom.T, p geom.Coord) bool {
	var ends []int
	switch v := g.(type) {
	case *geom.Polygon:
		ends = v.Ends()
	case *geom.MultiPolygon:
		for _, e := range v.Endss() {
			ends = append(ends, e...)
		}
	default:
		return false
	}

	flat := g.FlatCoords()
	stride := g.Stride()
	inside := false
	start := 0
	for _, end := range ends {
		if ringCrossings(flat[start:end], stride, p)%2 == 1 {
			inside = !inside
		}
		start = end
	}
	return inside
}

func ringCrossings(ring []float64, stride int, p geom.Coord) int {
	n := len(ring) / stride
	if n < 3 {
		return 0
	}
	var crossings int
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i*stride], ring[i*stride+1]
		xj, yj := ring[j*stride], ring[j*stride+1]
		if (yi > p[1]) != (yj > p[1]) {
			x := xi + (p[1]-yi)*(xj-xi)/(yj-yi)
			if p[0] < x {
				crossings++
			}
		}
	}
	return crossings
}

// Distance returns the planar distance from p to g, or 0 when a polygonal g
// contains p.
func Distance(g geom.T, p geom.Coord) float64 {
	switch v := g.(type) {
	case *geom.Point:
		c := v.Coords()
		return math.Hypot(p[0]-c[0], p[1]-c[1])
	case *geom.LineString:
		return DistanceToLine(v, p)
	case *geom.MultiLineString:
		return minOverParts(v.FlatCoords(), v.Ends(), v.Layout(), p)
	case *geom.Polygon, *geom.MultiPolygon:
		if Contains(g, p) {
			return 0
		}
		var ends []int
		if poly, ok := v.(*geom.Polygon); ok {
			ends = poly.Ends()
		} else {
			for _, e := range v.(*geom.MultiPolygon).Endss() {
				ends = append(ends, e...)
			}
		}
		return minOverParts(g.FlatCoords(), ends, g.Layout(), p)
	default:
		return math.Inf(1)
	}
}

// Intersects reports whether the r-buffer around p touches g.
func Intersects(g geom.T, r float64, p geom.Coord) bool {
	return Distance(g, p) <= r
}

func minOverParts(flat []float64, ends []int, layout geom.Layout, p geom.Coord) float64 {
	best := math.Inf(1)
	start := 0
	for _, end := range ends {
		part := geom.NewLineStringFlat(layout, flat[start:end])
		if d := DistanceToLine(part, p); d < best {
			best = d
		}
		start = end
	}
	return best
}

// Area returns the planar area of a polygonal geometry and 0 otherwise. Ring
// orientation is ignored: the first ring of each polygon adds, the rest subtract.
func Area(g geom.T) float64 {
	switch v := g.(type) {
	case *geom.Polygon:
		return polygonArea(v)
	case *geom.MultiPolygon:
		var a float64
		for i := range v.NumPolygons() {
			a += polygonArea(v.Polygon(i))
		}
		return a
	default:
		return 0
	}
}

func polygonArea(p *geom.Polygon) float64 {
	var a float64
	for i := range p.NumLinearRings() {
		r := math.Abs(p.LinearRing(i).Area())
		if i == 0 {
			a += r
		} else {
			a -= r
		}
	}
	return a
}
