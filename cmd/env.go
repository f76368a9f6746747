package main

import (
	"context"
	"io"
	"strings"

	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecocycle/navigator/internal/accident"
	"github.com/ecocycle/navigator/internal/airquality"
	"github.com/ecocycle/navigator/internal/config"
	"github.com/ecocycle/navigator/internal/db"
	"github.com/ecocycle/navigator/internal/noise"
	"github.com/ecocycle/navigator/internal/projection"
	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/snapshot"
	"github.com/ecocycle/navigator/internal/traffic"
)

// scoringEnv holds the loaded datasets and the aggregator built from them.
type scoringEnv struct {
	Aggregator *scoring.Aggregator
	Accidents  []accident.Record
	Noise      *noise.Scorer
	Traffic    *traffic.Provider
}

// initScoring loads every dataset concurrently and builds the scorers. Any
// dataset failure is fatal.
func initScoring(ctx context.Context, c *config.Config) (*scoringEnv, error) {
	utm, err := c.Projection.UTM()
	if err != nil {
		return nil, err
	}
	opener := snapshot.NewOpener(c.Snapshot.DownloadTimeout)

	var (
		records []accident.Record
		cells   []airquality.Cell
		zones   []noise.Zone
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = loadAccidents(gctx, opener, c.Accident)
		return err
	})
	g.Go(func() error {
		return withSnapshot(gctx, opener, c.AirQuality.Path, func(r io.Reader) error {
			var err error
			cells, err = airquality.LoadCSV(gctx, r)
			return err
		})
	})
	g.Go(func() error {
		var err error
		zones, err = loadNoise(gctx, opener, c.Noise, utm)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accidentScorer, err := accident.NewScorer(accident.NewDataset(utm, records), c.Accident.Scorer())
	if err != nil {
		return nil, err
	}
	airScorer, err := airquality.NewScorer(airquality.NewGrid(cells))
	if err != nil {
		return nil, err
	}
	noiseScorer, err := noise.NewScorer(noise.NewDataset(zones), utm, c.Noise.FallbackRadiusM)
	if err != nil {
		return nil, err
	}
	scorers := []scoring.Scorer{accidentScorer, airScorer, noiseScorer}

	env := &scoringEnv{Accidents: records, Noise: noiseScorer}
	if c.Traffic.Enabled {
		provider, err := initTraffic(ctx, c.Traffic)
		if err != nil {
			return nil, err
		}
		trafficScorer, err := traffic.NewScorer(provider, c.Traffic.Scorer())
		if err != nil {
			return nil, err
		}
		scorers = append(scorers, trafficScorer)
		env.Traffic = provider
	}

	env.Aggregator, err = scoring.NewAggregator(c.Segment.LengthM, c.Scoring.RouteConcurrency, scorers...)
	if err != nil {
		return nil, err
	}

	zap.L().Info("datasets loaded",
		zap.Int("accidents", len(records)),
		zap.Int("air_quality_cells", len(cells)),
		zap.Int("noise_zones", len(zones)),
		zap.Bool("traffic", c.Traffic.Enabled),
		zap.Int("utm_epsg", utm.EPSG()),
	)
	return env, nil
}

func withSnapshot(ctx context.Context, opener *snapshot.Opener, location string, fn func(io.Reader) error) error {
	rc, err := opener.Open(ctx, location)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck
	return fn(rc)
}

func loadAccidents(ctx context.Context, opener *snapshot.Opener, c config.AccidentConfig) ([]accident.Record, error) {
	switch c.Source {
	case "postgres":
		pool, err := db.Connect(ctx, c.DatabaseURL, c.MaxConns)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		return accident.LoadPostgres(ctx, pool, c.Table)
	default:
		var records []accident.Record
		err := withSnapshot(ctx, opener, c.Path, func(r io.Reader) error {
			var err error
			records, err = accident.LoadCSV(ctx, r)
			return err
		})
		return records, err
	}
}

func loadNoise(ctx context.Context, opener *snapshot.Opener, c config.NoiseConfig, utm projection.UTM) ([]noise.Zone, error) {
	if c.ResolvedFormat() == "shapefile" {
		if strings.Contains(c.Path, "://") {
			return nil, eris.Wrapf(scoring.ErrConfiguration, "noise: shapefiles must be local, got %s", c.Path)
		}
		return noise.LoadShapefile(c.Path, utm)
	}
	var zones []noise.Zone
	err := withSnapshot(ctx, opener, c.Path, func(r io.Reader) error {
		var err error
		zones, err = noise.LoadGeoJSON(r, utm)
		return err
	})
	return zones, err
}

// initTraffic builds the tile provider, warming it first when preload is on.
func initTraffic(ctx context.Context, c config.TrafficConfig) (*traffic.Provider, error) {
	source := traffic.NewHTTPSource(c.Source())
	cache := traffic.NewCache(c.CacheSize, c.CacheTTL)

	var preloaded map[traffic.TileKey]*traffic.Tile
	if c.Preload.Enabled {
		var err error
		preloaded, err = preloadTiles(ctx, source, c)
		if err != nil {
			return nil, err
		}
	}
	return traffic.NewProvider(source, cache, preloaded), nil
}

func preloadTiles(ctx context.Context, source traffic.Source, c config.TrafficConfig) (map[traffic.TileKey]*traffic.Tile, error) {
	bound, err := c.Preload.Bound()
	if err != nil {
		return nil, err
	}
	flow, err := traffic.ParseFlow(c.Flow)
	if err != nil {
		return nil, err
	}
	return traffic.Preload(ctx, source, bound, maptile.Zoom(c.Zoom), flow, c.Preload.Workers)
}
