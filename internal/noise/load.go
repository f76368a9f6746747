package noise

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/projection"
	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/spatial"
)

// LoadShapefile reads zones from a shapefile already in the metric frame of
// utm. The .prj file is not parsed; coordinates are used as they are.
// Records without a usable geometry or level are skipped.
func LoadShapefile(path string, utm projection.UTM) ([]Zone, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "noise: open shapefile %s: %v", path, err)
	}
	defer func() { _ = reader.Close() }()

	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	_, statErr := os.Stat(prj)
	zap.L().Warn("noise: assuming shapefile coordinates are in the configured utm zone",
		zap.String("path", path),
		zap.Int("epsg", utm.EPSG()),
		zap.Bool("prj_present", statErr == nil),
	)

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToLower(strings.TrimRight(f.String(), "\x00"))
	}

	var zones []Zone
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		g := shapeGeometry(shape)
		if g == nil {
			skipped++
			continue
		}

		attrs := make(map[string]any, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val != "" {
				attrs[name] = val
			}
		}
		db, ok := DeriveDB(attrs)
		if !ok {
			skipped++
			continue
		}
		zones = append(zones, Zone{Geometry: g, DB: db})
	}

	zap.L().Info("noise: loaded shapefile",
		zap.String("path", path), zap.Int("zones", len(zones)), zap.Int("skipped", skipped))
	return zones, nil
}

// shapeGeometry converts polygon and polyline shapes.
func shapeGeometry(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Polygon:
		return shapePolygon(s)
	case *shp.PolyLine:
		flat, ends := parts(s.Parts, s.Points)
		if len(ends) == 0 {
			return nil
		}
		return geom.NewMultiLineStringFlat(geom.XY, flat, ends)
	default:
		return nil
	}
}

// shapePolygon groups shapefile rings into polygons. Clockwise rings are
// shells and counter-clockwise rings are holes. A hole belongs to the shell
// containing its first vertex, else to the shell before it. One shell gives a
// Polygon, several a MultiPolygon. Rings that are all counter-clockwise are
// kept together as one polygon.
func shapePolygon(s *shp.Polygon) geom.T {
	flat, ends := parts(s.Parts, s.Points)

	var shells, holes [][]float64
	var holeAfter []int
	start := 0
	for _, end := range ends {
		ring := flat[start:end]
		start = end
		if len(ring) < 8 {
			continue
		}
		if xy.IsRingCounterClockwise(geom.XY, ring) {
			holes = append(holes, ring)
			holeAfter = append(holeAfter, len(shells)-1)
			continue
		}
		shells = append(shells, ring)
	}
	if len(shells) == 0 {
		if len(holes) == 0 {
			return nil
		}
		return polygonFromRings(holes)
	}

	polys := make([][][]float64, len(shells))
	for i, shell := range shells {
		polys[i] = [][]float64{shell}
	}
	for i, hole := range holes {
		owner := max(holeAfter[i], 0)
		for j, shell := range shells {
			if spatial.Contains(geom.NewPolygonFlat(geom.XY, shell, []int{len(shell)}), geom.Coord{hole[0], hole[1]}) {
				owner = j
				break
			}
		}
		polys[owner] = append(polys[owner], hole)
	}

	if len(polys) == 1 {
		return polygonFromRings(polys[0])
	}
	var mflat []float64
	endss := make([][]int, len(polys))
	for i, rings := range polys {
		for _, ring := range rings {
			mflat = append(mflat, ring...)
			endss[i] = append(endss[i], len(mflat))
		}
	}
	return geom.NewMultiPolygonFlat(geom.XY, mflat, endss)
}

func polygonFromRings(rings [][]float64) *geom.Polygon {
	var flat []float64
	ends := make([]int, 0, len(rings))
	for _, ring := range rings {
		flat = append(flat, ring...)
		ends = append(ends, len(flat))
	}
	return geom.NewPolygonFlat(geom.XY, flat, ends)
}

// parts flattens shapefile part ranges into go-geom flat coordinates and ends,
// dropping parts with fewer than two points.
func parts(starts []int32, points []shp.Point) ([]float64, []int) {
	var flat []float64
	var ends []int
	for i, start := range starts {
		end := int32(len(points))
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if start < 0 || end > int32(len(points)) || end-start < 2 {
			continue
		}
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}
		ends = append(ends, len(flat))
	}
	return flat, ends
}

// LoadGeoJSON reads zones from a WGS84 FeatureCollection and projects them
// into the metric frame.
func LoadGeoJSON(r io.Reader, utm projection.UTM) ([]Zone, error) {
	var fc geojson.FeatureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "noise: decode geojson: %v", err)
	}

	var zones []Zone
	var skipped int
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			skipped++
			continue
		}
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			attrs[strings.ToLower(k)] = v
		}
		db, ok := DeriveDB(attrs)
		if !ok {
			skipped++
			continue
		}
		g, err := utm.Geometry(f.Geometry)
		if err != nil {
			zap.L().Debug("noise: skipping feature", zap.Any("id", f.ID), zap.Error(err))
			skipped++
			continue
		}
		zones = append(zones, Zone{Geometry: g, DB: db})
	}

	zap.L().Info("noise: loaded geojson", zap.Int("zones", len(zones)), zap.Int("skipped", skipped))
	return zones, nil
}
