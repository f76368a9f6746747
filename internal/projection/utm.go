// Package projection converts WGS84 coordinates into a fixed-zone UTM metric frame.
package projection

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/wroge/wgs84"

	"github.com/ecocycle/navigator/internal/geo"
)

// UTM is a transverse Mercator projection pinned to one zone. Pinning the zone
// keeps every dataset in the same frame even when points straddle a zone edge.
type UTM struct {
	Zone  int
	North bool
}

// NewUTM validates the zone and returns the projection.
func NewUTM(zone int, north bool) (UTM, error) {
	if zone < 1 || zone > 60 {
		return UTM{}, eris.Errorf("projection: utm zone %d out of range [1,60]", zone)
	}
	return UTM{Zone: zone, North: north}, nil
}

// EPSG returns the EPSG code of the WGS84 / UTM zone (326xx north, 327xx south).
func (u UTM) EPSG() int {
	if u.North {
		return 32600 + u.Zone
	}
	return 32700 + u.Zone
}

func (u UTM) crs() wgs84.ProjectedReferenceSystem {
	return wgs84.UTM(float64(u.Zone), u.North)
}

func (u UTM) forward() wgs84.Func {
	return wgs84.LonLat().To(u.crs())
}

func (u UTM) inverse() wgs84.Func {
	return u.crs().To(wgs84.LonLat())
}

// Forward projects a coordinate to (easting, northing) in meters.
func (u UTM) Forward(c geo.Coordinate) geom.Coord {
	x, y, _ := u.forward()(c.Lon, c.Lat, 0)
	return geom.Coord{x, y}
}

// Inverse maps (easting, northing) back to a WGS84 coordinate.
func (u UTM) Inverse(c geom.Coord) geo.Coordinate {
	lon, lat, _ := u.inverse()(c[0], c[1], 0)
	return geo.Coordinate{Lat: lat, Lon: lon}
}

// LineString projects a polyline into a metric go-geom LineString.
func (u UTM) LineString(points []geo.Coordinate) *geom.LineString {
	fn := u.forward()
	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		x, y, _ := fn(p.Lon, p.Lat, 0)
		flat = append(flat, x, y)
	}
	return geom.NewLineStringFlat(geom.XY, flat)
}

// Geometry reprojects a geometry whose XY ordinates are (lon, lat) degrees. Any
// additional ordinates (Z, M) are carried through unchanged.
func (u UTM) Geometry(g geom.T) (geom.T, error) {
	return transform(g, u.forward())
}

// InverseGeometry maps a metric geometry in this zone back to (lon, lat) degrees.
func (u UTM) InverseGeometry(g geom.T) (geom.T, error) {
	return transform(g, u.inverse())
}

func transform(g geom.T, fn wgs84.Func) (geom.T, error) {
	switch g.(type) {
	case *geom.Point, *geom.LineString, *geom.MultiLineString, *geom.Polygon, *geom.MultiPolygon:
	default:
		return nil, eris.Errorf("projection: unsupported geometry %T", g)
	}

	stride := g.Stride()
	if stride < 2 {
		return nil, eris.Errorf("projection: geometry layout %v has no XY", g.Layout())
	}
	flat := make([]float64, len(g.FlatCoords()))
	copy(flat, g.FlatCoords())
	for i := 0; i+1 < len(flat); i += stride {
		flat[i], flat[i+1], _ = fn(flat[i], flat[i+1], 0)
	}

	switch v := g.(type) {
	case *geom.Point:
		return geom.NewPointFlat(v.Layout(), flat), nil
	case *geom.LineString:
		return geom.NewLineStringFlat(v.Layout(), flat), nil
	case *geom.MultiLineString:
		return geom.NewMultiLineStringFlat(v.Layout(), flat, v.Ends()), nil
	case *geom.Polygon:
		return geom.NewPolygonFlat(v.Layout(), flat, v.Ends()), nil
	default:
		mp := g.(*geom.MultiPolygon)
		return geom.NewMultiPolygonFlat(mp.Layout(), flat, mp.Endss()), nil
	}
}
