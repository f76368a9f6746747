package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-polyline"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/geo"
	"github.com/ecocycle/navigator/internal/scoring"
)

// routeResponse is a scored route plus its geometry as an encoded polyline.
type routeResponse struct {
	*scoring.Result
	Polyline string `json:"polyline"`
}

func newRouteResponses(results []*scoring.Result) []routeResponse {
	out := make([]routeResponse, len(results))
	for i, r := range results {
		out[i] = routeResponse{Result: r, Polyline: EncodePolyline(r.Geometry)}
	}
	return out
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// routes handles GET /v1/routes?start_lat=&start_lon=&end_lat=&end_lon=.
func (s *Server) routes(w http.ResponseWriter, r *http.Request) {
	if s.opts.Supplier == nil {
		writeError(w, http.StatusServiceUnavailable, "routing is not configured")
		return
	}

	q := r.URL.Query()
	start, err := coordinateParam(q.Get("start_lat"), q.Get("start_lon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or missing start: "+err.Error())
		return
	}
	end, err := coordinateParam(q.Get("end_lat"), q.Get("end_lon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or missing end: "+err.Error())
		return
	}

	raws, err := s.opts.Supplier.Routes(r.Context(), start, end)
	if err != nil {
		zap.L().Warn("api: route supplier failed", zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		writeError(w, http.StatusBadGateway, "routing provider unavailable")
		return
	}
	if len(raws) == 0 {
		writeError(w, http.StatusNotFound, "no routes found")
		return
	}

	results, err := s.opts.Scorer.ScoreAll(r.Context(), raws)
	if err != nil {
		zap.L().Error("api: scoring failed", zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": newRouteResponses(results)})
}

// ScoreRequest is the body of POST /v1/score. Exactly one of Geometry and
// Polyline is set.
type ScoreRequest struct {
	Geometry  []geo.Coordinate `json:"geometry,omitempty"`
	Polyline  string           `json:"polyline,omitempty"`
	DistanceM float64          `json:"distance_m,omitempty"`
	DurationS float64          `json:"duration_s,omitempty"`
}

// RawRoute validates the request and resolves its geometry. A missing
// distance is filled in from the geometry. maxPoints <= 0 means no limit.
func (req ScoreRequest) RawRoute(maxPoints int) (scoring.RawRoute, error) {
	pts := req.Geometry
	switch {
	case len(pts) > 0 && req.Polyline != "":
		return scoring.RawRoute{}, eris.New("geometry and polyline are mutually exclusive")
	case req.Polyline != "":
		var err error
		if pts, err = DecodePolyline(req.Polyline); err != nil {
			return scoring.RawRoute{}, err
		}
	}
	if len(pts) < 2 {
		return scoring.RawRoute{}, eris.New("geometry needs at least two points")
	}
	if maxPoints > 0 && len(pts) > maxPoints {
		return scoring.RawRoute{}, eris.Errorf("geometry has %d points, limit %d", len(pts), maxPoints)
	}
	for i, p := range pts {
		if err := validCoordinate(p); err != nil {
			return scoring.RawRoute{}, eris.Wrapf(err, "point %d", i)
		}
	}

	dist := req.DistanceM
	if dist <= 0 {
		dist = geo.PolylineLength(pts)
	}
	return scoring.RawRoute{Geometry: pts, DistanceM: dist, DurationS: req.DurationS}, nil
}

// score handles POST /v1/score.
func (s *Server) score(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw, err := req.RawRoute(s.opts.MaxGeometryPoints)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.opts.Scorer.ScoreAll(r.Context(), []scoring.RawRoute{raw})
	if err != nil {
		zap.L().Error("api: scoring failed", zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}
	writeJSON(w, http.StatusOK, newRouteResponses(results)[0])
}

type accidentResponse struct {
	ID        int     `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

// accidents handles GET /v1/accidents.
func (s *Server) accidents(w http.ResponseWriter, _ *http.Request) {
	out := make([]accidentResponse, len(s.opts.Accidents))
	for i, rec := range s.opts.Accidents {
		out[i] = accidentResponse{
			ID:        i,
			Latitude:  rec.Location.Lat,
			Longitude: rec.Location.Lon,
			Timestamp: rec.Label(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accidents": out})
}

// trafficFlow handles GET /v1/traffic with every known tile's roads.
func (s *Server) trafficFlow(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Traffic == nil {
		writeError(w, http.StatusServiceUnavailable, "traffic is not configured")
		return
	}
	writeGeoJSON(w, s.opts.Traffic.FeatureCollection())
}

// noiseZones handles GET /v1/noise with every loaded zone in WGS84.
func (s *Server) noiseZones(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Noise == nil {
		writeError(w, http.StatusServiceUnavailable, "noise is not configured")
		return
	}
	fc, err := s.opts.Noise.FeatureCollection()
	if err != nil {
		zap.L().Error("api: noise zones", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encode noise zones")
		return
	}
	writeGeoJSON(w, fc)
}

// trafficStats handles GET /v1/traffic/cache.
func (s *Server) trafficStats(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Traffic == nil {
		writeError(w, http.StatusServiceUnavailable, "traffic is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Traffic.Stats())
}

func coordinateParam(lat, lon string) (geo.Coordinate, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return geo.Coordinate{}, eris.Errorf("latitude %q", lat)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return geo.Coordinate{}, eris.Errorf("longitude %q", lon)
	}
	c := geo.Coordinate{Lat: la, Lon: lo}
	return c, validCoordinate(c)
}

func validCoordinate(c geo.Coordinate) error {
	if c.Lat < -90 || c.Lat > 90 {
		return eris.Errorf("latitude %v out of range", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return eris.Errorf("longitude %v out of range", c.Lon)
	}
	return nil
}

// EncodePolyline encodes a route with the Google polyline algorithm at
// five decimal places.
func EncodePolyline(pts []geo.Coordinate) string {
	coords := make([][]float64, len(pts))
	for i, p := range pts {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline reverses EncodePolyline.
func DecodePolyline(s string) ([]geo.Coordinate, error) {
	coords, rest, err := polyline.DecodeCoords([]byte(s))
	if err != nil {
		return nil, eris.Wrap(err, "invalid polyline")
	}
	if len(rest) > 0 {
		return nil, eris.Errorf("invalid polyline: %d trailing bytes", len(rest))
	}
	out := make([]geo.Coordinate, len(coords))
	for i, c := range coords {
		out[i] = geo.Coordinate{Lat: c[0], Lon: c[1]}
	}
	return out, nil
}
