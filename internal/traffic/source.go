package traffic

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ecocycle/navigator/internal/resilience"
)

// DefaultURLTemplate is the TomTom flow tile endpoint.
const DefaultURLTemplate = "https://api.tomtom.com/traffic/map/4/tile/flow/{flow}/{z}/{x}/{y}.pbf?key={key}"

// Source fetches and decodes a single tile.
type Source interface {
	Fetch(ctx context.Context, key TileKey) (*Tile, error)
}

// SourceConfig configures an HTTPSource.
type SourceConfig struct {
	// URLTemplate expands {flow}, {z}, {x}, {y} and {key}.
	URLTemplate string
	APIKey      string
	// Timeout bounds each request, 10s if zero.
	Timeout time.Duration
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Breaker       resilience.BreakerConfig
}

// HTTPSource fetches flow tiles from an upstream tile server behind a
// rate limiter and circuit breaker. It never retries.
type HTTPSource struct {
	template string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
}

// NewHTTPSource creates a tile source.
func NewHTTPSource(cfg SourceConfig) *HTTPSource {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "traffic-tiles"
	}
	if cfg.Breaker.Counts == nil {
		cfg.Breaker.Counts = resilience.IsTransient
	}
	return &HTTPSource{
		template: cfg.URLTemplate,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		breaker:  resilience.NewBreaker(cfg.Breaker),
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, key TileKey) (*Tile, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "traffic: rate limit wait")
	}
	return resilience.Call(ctx, s.breaker, func(ctx context.Context) (*Tile, error) {
		data, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		return DecodeTile(key, data)
	})
}

// BreakerStats reports the upstream breaker counters.
func (s *HTTPSource) BreakerStats() resilience.BreakerStats {
	return s.breaker.Stats()
}

func (s *HTTPSource) get(ctx context.Context, key TileKey) ([]byte, error) {
	u := s.url(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "traffic: create tile request")
	}
	req.Header.Set("User-Agent", "ecocycle/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "traffic: fetch tile %s", key)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.StatusError{Upstream: "traffic", StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "traffic: read tile body")
	}
	zap.L().Debug("traffic: fetched tile", zap.Stringer("tile", key), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *HTTPSource) url(key TileKey) string {
	return strings.NewReplacer(
		"{flow}", string(key.Flow),
		"{z}", strconv.FormatUint(uint64(key.Zoom), 10),
		"{x}", strconv.FormatUint(uint64(key.X), 10),
		"{y}", strconv.FormatUint(uint64(key.Y), 10),
		"{key}", url.QueryEscape(s.apiKey),
	).Replace(s.template)
}
