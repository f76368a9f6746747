package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/traffic"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 50.0, cfg.Segment.LengthM)
	assert.Equal(t, 33, cfg.Projection.UTMZone)
	assert.True(t, cfg.Projection.North)
	assert.Equal(t, "csv", cfg.Accident.Source)
	assert.InDelta(t, 0.3, cfg.Accident.DecayLambda, 1e-9)
	assert.InDelta(t, 1.3, cfg.Accident.K, 1e-9)
	assert.Equal(t, 10.0, cfg.Accident.BufferM)
	assert.Equal(t, 25.0, cfg.Noise.FallbackRadiusM)
	assert.Equal(t, "relative", cfg.Traffic.Flow)
	assert.Equal(t, 14, cfg.Traffic.Zoom)
	assert.Equal(t, 10*time.Second, cfg.Traffic.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Traffic.CacheTTL)
	assert.Equal(t, traffic.DefaultURLTemplate, cfg.Traffic.URLTemplate)
	assert.Equal(t, "bicycle", cfg.Routing.TravelMode)
	assert.Equal(t, 3, cfg.Routing.MaxAlternatives)
	assert.Equal(t, 500*time.Millisecond, cfg.Routing.RetryBaseDelay)
	assert.Equal(t, 3, cfg.Scoring.RouteConcurrency)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
server:
  port: 9090
accident:
  source: postgres
  database_url: postgres://localhost/ecocycle
noise:
  path: zones.shp
traffic:
  zoom: 12
  cache_ttl: 90s
  preload:
    enabled: true
    bbox: [13.6, 50.95, 13.9, 51.15]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Accident.Source)
	assert.Equal(t, "accidents", cfg.Accident.Table, "defaults still apply")
	assert.Equal(t, "shapefile", cfg.Noise.ResolvedFormat())
	assert.Equal(t, 12, cfg.Traffic.Zoom)
	assert.Equal(t, 90*time.Second, cfg.Traffic.CacheTTL)

	b, err := cfg.Traffic.Preload.Bound()
	require.NoError(t, err)
	assert.Equal(t, 13.6, b.Min.Lon())
	assert.Equal(t, 51.15, b.Max.Lat())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
routing:
  api_key: from-file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ECOCYCLE_LOG_LEVEL", "warn")
	t.Setenv("ECOCYCLE_ROUTING_API_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Routing.APIKey)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ECOCYCLE_SERVER_PORT", "3000")
	t.Setenv("ECOCYCLE_TRAFFIC_API_KEY", "tt")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "tt", cfg.Traffic.APIKey)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validServe returns a Config that passes serve validation.
func validServe() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Segment.LengthM = 50
	cfg.Projection.UTMZone = 33
	cfg.Projection.North = true
	cfg.Accident = AccidentConfig{Source: "csv", Path: "accidents.csv", DecayLambda: 0.3, K: 1.3, BufferM: 10}
	cfg.AirQuality.Path = "air.csv"
	cfg.Noise.Path = "noise.geojson"
	cfg.Traffic = TrafficConfig{Enabled: true, Flow: "relative", Zoom: 14, CacheSize: 16}
	cfg.Routing.APIKey = "key"
	cfg.Scoring.RouteConcurrency = 3
	return cfg
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validServe().Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))
	assert.Contains(t, err.Error(), "routing.api_key is required")
	assert.Contains(t, err.Error(), "air_quality.path is required")
	assert.Contains(t, err.Error(), "noise.path is required")
	assert.Contains(t, err.Error(), "accident.source")
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateScore_NoRoutingKeyNeeded(t *testing.T) {
	cfg := validServe()
	cfg.Routing.APIKey = ""
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate("score"))
}

func TestValidatePostgresAccidents(t *testing.T) {
	cfg := validServe()
	cfg.Accident.Source = "postgres"
	cfg.Accident.Path = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accident.database_url is required")

	cfg.Accident.DatabaseURL = "postgres://localhost/ecocycle"
	cfg.Accident.Table = "accidents"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateTraffic(t *testing.T) {
	cfg := validServe()
	cfg.Traffic.Flow = "sideways"
	cfg.Traffic.Zoom = 30
	err := cfg.Validate("tiles")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traffic.flow")
	assert.Contains(t, err.Error(), "traffic.zoom")

	cfg = validServe()
	cfg.Traffic.Preload.Enabled = true
	cfg.Traffic.Preload.BBox = []float64{1, 2}
	err = cfg.Validate("tiles")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bbox")

	cfg = validServe()
	cfg.Traffic.Enabled = false
	cfg.Traffic.Flow = "sideways"
	assert.NoError(t, cfg.Validate("serve"), "disabled traffic is not checked")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validServe().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestDomainConversions(t *testing.T) {
	cfg := validServe()
	cfg.Routing.RetryAttempts = 2
	cfg.Traffic.BreakerFailures = 7

	utm, err := cfg.Projection.UTM()
	require.NoError(t, err)
	assert.Equal(t, 32633, utm.EPSG())

	assert.Equal(t, 1.3, cfg.Accident.Scorer().K)
	assert.Equal(t, 2, cfg.Routing.Client().Retry.Attempts)
	assert.Equal(t, 7, cfg.Traffic.Source().Breaker.FailureThreshold)
	assert.Equal(t, traffic.Relative, cfg.Traffic.Scorer().Flow)

	assert.Equal(t, "geojson", NoiseConfig{Path: "zones.geojson.gz"}.ResolvedFormat())
	assert.Equal(t, "shapefile", NoiseConfig{Path: "x.json", Format: "Shapefile"}.ResolvedFormat())
}
