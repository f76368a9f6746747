// Package api exposes route scoring and the underlying exposure datasets over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/accident"
	"github.com/ecocycle/navigator/internal/noise"
	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/traffic"
)

// RouteScorer scores candidate routes. *scoring.Aggregator implements it.
type RouteScorer interface {
	ScoreAll(ctx context.Context, raws []scoring.RawRoute) ([]*scoring.Result, error)
}

// Options wires the server's collaborators. Supplier, Traffic and Noise may be nil;
// the endpoints that need them then answer 503.
type Options struct {
	Supplier       scoring.Supplier
	Scorer         RouteScorer
	Accidents      []accident.Record
	Traffic        *traffic.Provider
	Noise          *noise.Scorer
	AllowedOrigins []string
	// MaxGeometryPoints bounds POST /v1/score input; zero means 10000.
	MaxGeometryPoints int
	// RequestTimeout bounds each request; zero means 30s.
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	opts Options
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.MaxGeometryPoints <= 0 {
		opts.MaxGeometryPoints = 10000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{opts: opts}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/routes", s.routes)
		r.Post("/score", s.score)
		r.Get("/accidents", s.accidents)
		r.Get("/traffic", s.trafficFlow)
		r.Get("/traffic/cache", s.trafficStats)
		r.Get("/noise", s.noiseZones)
	})
	return r
}

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// requestID reuses a valid incoming id or assigns a new UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestIDFrom returns the id assigned to the request, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// writeGeoJSON writes an orb or go-geom FeatureCollection.
func writeGeoJSON(w http.ResponseWriter, fc json.Marshaler) {
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode geojson")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
