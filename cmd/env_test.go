package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecocycle/navigator/internal/config"
	"github.com/ecocycle/navigator/internal/scoring"
)

const (
	accidentsCSV = "OBJECTID,lon,lat,UJAHR,UMONAT,USTUNDE\n" +
		"1,13.7400,51.0500,2023,5,8\n" +
		"2,13.9000,51.2000,2022,1,17\n"
	airCSV = "lat,lon,pm2_5,pm10,no2,o3,timestamp,status,error\n" +
		"51.05,13.74,12,25,,40,2025-05-20T14:00:00+02:00,ok,\n"
	noiseGeoJSON = `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"CATEGORY":"Lden6569"},
		 "geometry":{"type":"Polygon","coordinates":[[[13.735,51.045],[13.745,51.045],[13.745,51.055],[13.735,51.055],[13.735,51.045]]]}}
	]}`
	routeJSON = `{"geometry":[
		{"latitude":51.0495,"longitude":13.7400},
		{"latitude":51.0500,"longitude":13.7400},
		{"latitude":51.0505,"longitude":13.7400}
	]}`
)

// testConfig writes dataset fixtures into a temp dir and points a config at
// them, with traffic disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	c := &config.Config{}
	c.Segment.LengthM = 50
	c.Projection = config.ProjectionConfig{UTMZone: 33, North: true}
	c.Accident = config.AccidentConfig{
		Source:      "csv",
		Path:        write("accidents.csv", accidentsCSV),
		DecayLambda: 0.3,
		K:           1.3,
		BufferM:     10,
	}
	c.AirQuality.Path = write("air.csv", airCSV)
	c.Noise = config.NoiseConfig{Path: write("noise.geojson", noiseGeoJSON), FallbackRadiusM: 25}
	c.Scoring.RouteConcurrency = 2
	return c
}

func TestInitScoring(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, c.Validate("score"))

	env, err := initScoring(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, env.Accidents, 2)
	assert.Nil(t, env.Traffic)
	assert.Equal(t, []scoring.Criterion{scoring.Accident, scoring.AirQuality, scoring.Noise}, env.Aggregator.Criteria())

	require.NotNil(t, env.Noise)
	fc, err := env.Noise.FeatureCollection()
	require.NoError(t, err)
	assert.Len(t, fc.Features, 1)
}

func TestInitScoring_MissingDatasetIsFatal(t *testing.T) {
	c := testConfig(t)
	c.AirQuality.Path = filepath.Join(t.TempDir(), "missing.csv")

	_, err := initScoring(context.Background(), c)
	assert.Error(t, err)
}

func TestInitScoring_RemoteShapefileRejected(t *testing.T) {
	c := testConfig(t)
	c.Noise.Path = "https://example.com/zones.shp"

	_, err := initScoring(context.Background(), c)
	require.Error(t, err)
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))
}

func TestRunScore_File(t *testing.T) {
	cfg = testConfig(t)
	path := filepath.Join(t.TempDir(), "route.json")
	require.NoError(t, os.WriteFile(path, []byte(routeJSON), 0o644))

	require.NoError(t, scoreCmd.Flags().Set("file", path))
	t.Cleanup(func() { _ = scoreCmd.Flags().Set("file", "") })

	var out bytes.Buffer
	scoreCmd.SetOut(&out)
	scoreCmd.SetContext(context.Background())
	t.Cleanup(func() { scoreCmd.SetOut(nil) })

	require.NoError(t, runScore(scoreCmd, nil))

	var res scoring.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Len(t, res.Geometry, 3)
	assert.InDelta(t, 111.2, res.DistanceM, 0.5)
	require.NotEmpty(t, res.Segments)
	for _, seg := range res.Segments {
		v, ok := seg.Scores[scoring.Noise].Value()
		require.True(t, ok)
		assert.Equal(t, 5.0, v, "67 dB zone covers the route")
		assert.True(t, seg.Scores[scoring.AirQuality].Present())
	}
	assert.Contains(t, res.Scores, scoring.Accident)
	assert.NotContains(t, res.Scores, scoring.Traffic)
}

func TestScoreInput_Polyline(t *testing.T) {
	require.NoError(t, scoreCmd.Flags().Set("polyline", "_p~iF~ps|U_ulLnnqC"))
	require.NoError(t, scoreCmd.Flags().Set("duration", "30"))
	t.Cleanup(func() {
		_ = scoreCmd.Flags().Set("polyline", "")
		_ = scoreCmd.Flags().Set("duration", "0")
	})

	raw, err := scoreInput(scoreCmd)
	require.NoError(t, err)
	require.Len(t, raw.Geometry, 2)
	assert.InDelta(t, 38.5, raw.Geometry[0].Lat, 1e-6)
	assert.Equal(t, 30.0, raw.DurationS)
	assert.Greater(t, raw.DistanceM, 0.0)
}

func TestScoreInput_TooShort(t *testing.T) {
	require.NoError(t, scoreCmd.Flags().Set("polyline", "_p~iF~ps|U"))
	t.Cleanup(func() { _ = scoreCmd.Flags().Set("polyline", "") })

	_, err := scoreInput(scoreCmd)
	assert.Error(t, err)
}
