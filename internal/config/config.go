package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ecocycle/navigator/internal/accident"
	"github.com/ecocycle/navigator/internal/projection"
	"github.com/ecocycle/navigator/internal/resilience"
	"github.com/ecocycle/navigator/internal/routing"
	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/traffic"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Segment    SegmentConfig    `yaml:"segment" mapstructure:"segment"`
	Projection ProjectionConfig `yaml:"projection" mapstructure:"projection"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
	Accident   AccidentConfig   `yaml:"accident" mapstructure:"accident"`
	AirQuality AirQualityConfig `yaml:"air_quality" mapstructure:"air_quality"`
	Noise      NoiseConfig      `yaml:"noise" mapstructure:"noise"`
	Traffic    TrafficConfig    `yaml:"traffic" mapstructure:"traffic"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// SegmentConfig sets the target segment length.
type SegmentConfig struct {
	LengthM float64 `yaml:"length_m" mapstructure:"length_m"`
}

// ProjectionConfig selects the fixed UTM zone shared by the metric scorers.
type ProjectionConfig struct {
	UTMZone int  `yaml:"utm_zone" mapstructure:"utm_zone"`
	North   bool `yaml:"north" mapstructure:"north"`
}

// UTM returns the configured projection.
func (c ProjectionConfig) UTM() (projection.UTM, error) {
	return projection.NewUTM(c.UTMZone, c.North)
}

// SnapshotConfig configures dataset snapshot downloads.
type SnapshotConfig struct {
	DownloadTimeout time.Duration `yaml:"download_timeout" mapstructure:"download_timeout"`
}

// AccidentConfig configures the accident dataset and scorer.
type AccidentConfig struct {
	// Source is "csv" or "postgres".
	Source      string  `yaml:"source" mapstructure:"source"`
	Path        string  `yaml:"path" mapstructure:"path"`
	DatabaseURL string  `yaml:"database_url" mapstructure:"database_url"`
	Table       string  `yaml:"table" mapstructure:"table"`
	MaxConns    int32   `yaml:"max_conns" mapstructure:"max_conns"`
	DecayLambda float64 `yaml:"decay_lambda" mapstructure:"decay_lambda"`
	K           float64 `yaml:"k" mapstructure:"k"`
	BufferM     float64 `yaml:"buffer_m" mapstructure:"buffer_m"`
}

// Scorer returns the scorer tuning.
func (c AccidentConfig) Scorer() accident.Config {
	return accident.Config{DecayLambda: c.DecayLambda, K: c.K, BufferM: c.BufferM}
}

// AirQualityConfig locates the air-quality snapshot.
type AirQualityConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// NoiseConfig locates the noise dataset.
type NoiseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	// Format is "shapefile" or "geojson"; empty picks by file extension.
	Format          string  `yaml:"format" mapstructure:"format"`
	FallbackRadiusM float64 `yaml:"fallback_radius_m" mapstructure:"fallback_radius_m"`
}

// ResolvedFormat returns Format, or the format implied by the path.
func (c NoiseConfig) ResolvedFormat() string {
	if c.Format != "" {
		return strings.ToLower(c.Format)
	}
	switch strings.ToLower(filepath.Ext(strings.TrimSuffix(c.Path, ".gz"))) {
	case ".shp":
		return "shapefile"
	default:
		return "geojson"
	}
}

// TrafficConfig configures tile fetching, caching and scoring.
type TrafficConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	URLTemplate     string        `yaml:"url_template" mapstructure:"url_template"`
	APIKey          string        `yaml:"api_key" mapstructure:"api_key"`
	Flow            string        `yaml:"flow" mapstructure:"flow"`
	Zoom            int           `yaml:"zoom" mapstructure:"zoom"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond   float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	CacheSize       int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	Preload         PreloadConfig `yaml:"preload" mapstructure:"preload"`
}

// PreloadConfig selects tiles to warm at startup.
type PreloadConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// BBox is min_lon, min_lat, max_lon, max_lat.
	BBox    []float64 `yaml:"bbox" mapstructure:"bbox"`
	Workers int       `yaml:"workers" mapstructure:"workers"`
}

// Bound returns the preload bounding box.
func (c PreloadConfig) Bound() (orb.Bound, error) {
	if len(c.BBox) != 4 {
		return orb.Bound{}, eris.Wrapf(scoring.ErrConfiguration, "config: traffic.preload.bbox needs 4 values, got %d", len(c.BBox))
	}
	return orb.Bound{
		Min: orb.Point{c.BBox[0], c.BBox[1]},
		Max: orb.Point{c.BBox[2], c.BBox[3]},
	}, nil
}

// Source returns the tile source settings.
func (c TrafficConfig) Source() traffic.SourceConfig {
	return traffic.SourceConfig{
		URLTemplate:   c.URLTemplate,
		APIKey:        c.APIKey,
		Timeout:       c.Timeout,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
		Breaker: resilience.BreakerConfig{
			Name:             "traffic-tiles",
			FailureThreshold: c.BreakerFailures,
			Cooldown:         c.BreakerCooldown,
		},
	}
}

// Scorer returns the scorer settings.
func (c TrafficConfig) Scorer() traffic.Config {
	return traffic.Config{Zoom: c.Zoom, Flow: traffic.Flow(c.Flow)}
}

// RoutingConfig configures the routing provider client.
type RoutingConfig struct {
	BaseURL         string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey          string        `yaml:"api_key" mapstructure:"api_key"`
	TravelMode      string        `yaml:"travel_mode" mapstructure:"travel_mode"`
	MaxAlternatives int           `yaml:"max_alternatives" mapstructure:"max_alternatives"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond   float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	RetryAttempts   int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
}

// Client returns the routing client settings.
func (c RoutingConfig) Client() routing.Config {
	retry := resilience.DefaultRetryPolicy()
	retry.Attempts = c.RetryAttempts
	if c.RetryBaseDelay > 0 {
		retry.BaseDelay = c.RetryBaseDelay
	}
	return routing.Config{
		BaseURL:         c.BaseURL,
		APIKey:          c.APIKey,
		TravelMode:      c.TravelMode,
		MaxAlternatives: c.MaxAlternatives,
		Timeout:         c.Timeout,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
		Retry:           retry,
	}
}

// ScoringConfig configures the aggregator.
type ScoringConfig struct {
	RouteConcurrency int `yaml:"route_concurrency" mapstructure:"route_concurrency"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ECOCYCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("segment.length_m", 50.0)
	v.SetDefault("projection.utm_zone", 33)
	v.SetDefault("projection.north", true)
	v.SetDefault("snapshot.download_timeout", "2m")
	v.SetDefault("accident.source", "csv")
	v.SetDefault("accident.path", "")
	v.SetDefault("accident.database_url", "")
	v.SetDefault("accident.table", "accidents")
	v.SetDefault("accident.max_conns", 4)
	v.SetDefault("accident.decay_lambda", 0.3)
	v.SetDefault("accident.k", 1.3)
	v.SetDefault("accident.buffer_m", 10.0)
	v.SetDefault("air_quality.path", "")
	v.SetDefault("noise.path", "")
	v.SetDefault("noise.format", "")
	v.SetDefault("noise.fallback_radius_m", 25.0)
	v.SetDefault("traffic.enabled", true)
	v.SetDefault("traffic.url_template", traffic.DefaultURLTemplate)
	v.SetDefault("traffic.api_key", "")
	v.SetDefault("traffic.flow", string(traffic.Relative))
	v.SetDefault("traffic.zoom", 14)
	v.SetDefault("traffic.timeout", "10s")
	v.SetDefault("traffic.rate_per_second", 10.0)
	v.SetDefault("traffic.burst", 10)
	v.SetDefault("traffic.cache_size", 1024)
	v.SetDefault("traffic.cache_ttl", "5m")
	v.SetDefault("traffic.breaker_failures", 5)
	v.SetDefault("traffic.breaker_cooldown", "30s")
	v.SetDefault("traffic.preload.enabled", false)
	v.SetDefault("traffic.preload.workers", 8)
	v.SetDefault("routing.base_url", routing.DefaultBaseURL)
	v.SetDefault("routing.api_key", "")
	v.SetDefault("routing.travel_mode", "bicycle")
	v.SetDefault("routing.max_alternatives", 3)
	v.SetDefault("routing.timeout", "10s")
	v.SetDefault("routing.rate_per_second", 5.0)
	v.SetDefault("routing.burst", 5)
	v.SetDefault("routing.retry_attempts", 3)
	v.SetDefault("routing.retry_base_delay", "500ms")
	v.SetDefault("scoring.route_concurrency", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is "serve", "score" or
// "tiles".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch mode {
	case "serve", "score":
		c.validateDatasets(add)
		if mode == "serve" {
			if c.Server.Port <= 0 || c.Server.Port > 65535 {
				add("server.port must be between 1 and 65535")
			}
			if c.Routing.APIKey == "" {
				add("routing.api_key is required")
			}
			if c.Routing.MaxAlternatives < 0 {
				add("routing.max_alternatives must be >= 0")
			}
		}
		if c.Scoring.RouteConcurrency < 1 {
			add("scoring.route_concurrency must be >= 1")
		}
	case "tiles":
		c.validateTraffic(add)
	default:
		return eris.Wrapf(scoring.ErrConfiguration, "config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Wrapf(scoring.ErrConfiguration, "config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateDatasets(add func(string)) {
	if c.Segment.LengthM <= 0 {
		add("segment.length_m must be > 0")
	}
	if c.Projection.UTMZone < 1 || c.Projection.UTMZone > 60 {
		add("projection.utm_zone must be between 1 and 60")
	}

	switch c.Accident.Source {
	case "csv":
		if c.Accident.Path == "" {
			add("accident.path is required")
		}
	case "postgres":
		if c.Accident.DatabaseURL == "" {
			add("accident.database_url is required")
		}
		if c.Accident.Table == "" {
			add("accident.table is required")
		}
	default:
		add(`accident.source must be "csv" or "postgres"`)
	}
	if c.Accident.DecayLambda <= 0 || c.Accident.K <= 0 || c.Accident.BufferM < 0 {
		add("accident.decay_lambda and accident.k must be > 0, accident.buffer_m >= 0")
	}

	if c.AirQuality.Path == "" {
		add("air_quality.path is required")
	}

	if c.Noise.Path == "" {
		add("noise.path is required")
	}
	if f := c.Noise.ResolvedFormat(); f != "shapefile" && f != "geojson" {
		add(`noise.format must be "shapefile" or "geojson"`)
	}

	if c.Traffic.Enabled {
		c.validateTraffic(add)
	}
}

func (c *Config) validateTraffic(add func(string)) {
	if _, err := traffic.ParseFlow(c.Traffic.Flow); err != nil {
		add("traffic.flow is not supported")
	}
	if c.Traffic.Zoom < 0 || c.Traffic.Zoom > traffic.MaxZoom {
		add("traffic.zoom must be between 0 and 22")
	}
	if c.Traffic.CacheSize < 1 {
		add("traffic.cache_size must be >= 1")
	}
	if c.Traffic.Preload.Enabled {
		if _, err := c.Traffic.Preload.Bound(); err != nil {
			add("traffic.preload.bbox needs 4 values")
		}
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
