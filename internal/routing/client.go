// Package routing fetches candidate bicycle routes from the TomTom routing API.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/geo"
	"github.com/ecocycle/navigator/internal/resilience"
	"github.com/ecocycle/navigator/internal/scoring"
)

// DefaultBaseURL is the TomTom calculateRoute endpoint.
const DefaultBaseURL = "https://api.tomtom.com/routing/1/calculateRoute"

// Config configures a Client.
type Config struct {
	BaseURL         string                 `mapstructure:"base_url"`
	APIKey          string                 `mapstructure:"api_key"`
	TravelMode      string                 `mapstructure:"travel_mode"`
	MaxAlternatives int                    `mapstructure:"max_alternatives"`
	Timeout         time.Duration          `mapstructure:"timeout"`
	RatePerSecond   float64                `mapstructure:"rate_per_second"`
	Burst           int                    `mapstructure:"burst"`
	Retry           resilience.RetryPolicy `mapstructure:"-"`
}

// DefaultConfig asks for up to three bicycle alternatives.
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		TravelMode:      "bicycle",
		MaxAlternatives: 3,
		Timeout:         10 * time.Second,
		RatePerSecond:   5,
		Burst:           5,
		Retry:           resilience.DefaultRetryPolicy(),
	}
}

// Client implements scoring.Supplier against calculateRoute.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *adaptiveLimiter
}

var _ scoring.Supplier = (*Client)(nil)

// NewClient validates cfg. An API key is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, eris.Wrap(scoring.ErrConfiguration, "routing: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TravelMode == "" {
		cfg.TravelMode = "bicycle"
	}
	if cfg.MaxAlternatives < 0 {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "routing: max alternatives %d is negative", cfg.MaxAlternatives)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: newAdaptiveLimiter(cfg.RatePerSecond, cfg.Burst),
	}, nil
}

type calculateRouteResponse struct {
	Routes []struct {
		Summary struct {
			LengthInMeters      float64 `json:"lengthInMeters"`
			TravelTimeInSeconds float64 `json:"travelTimeInSeconds"`
		} `json:"summary"`
		Legs []struct {
			Points []geo.Coordinate `json:"points"`
		} `json:"legs"`
	} `json:"routes"`
}

// Routes returns the provider's candidate routes between start and end,
// retrying transient failures. An empty slice means no route was found.
func (c *Client) Routes(ctx context.Context, start, end geo.Coordinate) ([]scoring.RawRoute, error) {
	u := c.url(start, end)
	body, err := resilience.Retry(ctx, c.cfg.Retry, "routing", func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, u)
	})
	if err != nil {
		return nil, eris.Wrap(err, "routing: calculate route")
	}

	var resp calculateRouteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "routing: decode response")
	}

	routes := make([]scoring.RawRoute, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		var pts []geo.Coordinate
		for _, leg := range r.Legs {
			lp := leg.Points
			if len(pts) > 0 && len(lp) > 0 && pts[len(pts)-1] == lp[0] {
				lp = lp[1:]
			}
			pts = append(pts, lp...)
		}
		routes = append(routes, scoring.RawRoute{
			Geometry:  pts,
			DistanceM: r.Summary.LengthInMeters,
			DurationS: r.Summary.TravelTimeInSeconds,
		})
	}

	zap.L().Debug("routing: fetched routes", zap.Int("routes", len(routes)))
	return routes, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "routing: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "routing: create request")
	}
	req.Header.Set("User-Agent", "ecocycle/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.onRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &resilience.StatusError{Upstream: "routing", StatusCode: resp.StatusCode}
	}
	c.limiter.onSuccess()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "routing: read response")
	}
	return body, nil
}

func (c *Client) url(start, end geo.Coordinate) string {
	q := url.Values{}
	q.Set("key", c.cfg.APIKey)
	q.Set("travelMode", c.cfg.TravelMode)
	q.Set("maxAlternatives", strconv.Itoa(c.cfg.MaxAlternatives))
	return fmt.Sprintf("%s/%s:%s/json?%s", c.cfg.BaseURL, latLon(start), latLon(end), q.Encode())
}

func latLon(c geo.Coordinate) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}
