// Package geo provides great-circle distance and polyline segmentation for route geometries.
package geo

import (
	"math"
)

// EarthRadiusMeters is the spherical-earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Segment is a contiguous sub-polyline of a route. It always has at least two points.
type Segment struct {
	Points []Coordinate `json:"geometry"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (b.Lon - a.Lon) * math.Pi / 180

	x := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(x))
}

// PolylineLength returns the summed haversine length of consecutive points.
func PolylineLength(points []Coordinate) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1], points[i])
	}
	return total
}

// SplitGeometry breaks a polyline into segments of roughly targetLengthM meters.
//
// Boundaries are vertex-aligned: a segment closes at the first vertex where the
// accumulated length reaches the target, and that vertex also starts the next
// segment. A trailing remainder is kept only if it has at least two points.
// Polylines with fewer than two points produce no segments.
func SplitGeometry(polyline []Coordinate, targetLengthM float64) []Segment {
	if len(polyline) < 2 {
		return nil
	}

	var segments []Segment
	current := []Coordinate{polyline[0]}
	var acc float64

	for i := 1; i < len(polyline); i++ {
		pt := polyline[i]
		acc += Haversine(polyline[i-1], pt)
		current = append(current, pt)
		if acc >= targetLengthM {
			segments = append(segments, Segment{Points: current})
			current = []Coordinate{pt}
			acc = 0
		}
	}

	if len(current) > 1 {
		segments = append(segments, Segment{Points: current})
	}
	return segments
}

// Length returns the segment's arc length in meters.
func (s Segment) Length() float64 {
	return PolylineLength(s.Points)
}

// Midpoint returns the point at half the segment's arc length. Positions between
// vertices are linearly interpolated in degrees, which is accurate at segment scale.
func (s Segment) Midpoint() Coordinate {
	switch len(s.Points) {
	case 0:
		return Coordinate{}
	case 1:
		return s.Points[0]
	}

	half := s.Length() / 2
	var walked float64
	for i := 1; i < len(s.Points); i++ {
		a, b := s.Points[i-1], s.Points[i]
		d := Haversine(a, b)
		if d > 0 && walked+d >= half {
			t := (half - walked) / d
			return Coordinate{
				Lat: a.Lat + (b.Lat-a.Lat)*t,
				Lon: a.Lon + (b.Lon-a.Lon)*t,
			}
		}
		walked += d
	}
	return s.Points[len(s.Points)-1]
}

// Flatten concatenates segment vertices, dropping the shared boundary vertex that
// each segment repeats from its predecessor.
func Flatten(segments []Segment) []Coordinate {
	var out []Coordinate
	for i, s := range segments {
		pts := s.Points
		if i > 0 && len(pts) > 0 {
			pts = pts[1:]
		}
		out = append(out, pts...)
	}
	return out
}
