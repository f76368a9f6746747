package traffic

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ecocycle/navigator/internal/resilience"
	"github.com/ecocycle/navigator/internal/scoring"
)

// MaxPreloadTiles caps how many tiles a single preload may request.
const MaxPreloadTiles = 4096

// sharedFetchTimeout bounds a fetch that no longer has a caller-owned deadline.
const sharedFetchTimeout = 30 * time.Second

// maxMercatorLat keeps latitudes inside the web mercator tile grid.
const maxMercatorLat = 85.05

var errNoSource = eris.New("traffic: no tile source configured")

// Provider resolves tiles from the preloaded set, then the cache, then the
// source. Concurrent misses for one key share a single fetch.
type Provider struct {
	source    Source
	cache     *Cache
	preloaded map[TileKey]*Tile
	group     singleflight.Group
}

// NewProvider wires the tile lookup chain. source may be nil for an offline
// provider that only serves preloaded tiles; cache may be nil to disable
// caching. preloaded is owned by the provider and must not be modified.
func NewProvider(source Source, cache *Cache, preloaded map[TileKey]*Tile) *Provider {
	if preloaded == nil {
		preloaded = map[TileKey]*Tile{}
	}
	return &Provider{source: source, cache: cache, preloaded: preloaded}
}

// Tile returns the tile for key.
func (p *Provider) Tile(ctx context.Context, key TileKey) (*Tile, error) {
	if t, ok := p.preloaded[key]; ok {
		return t, nil
	}
	if p.cache != nil {
		if t := p.cache.Get(key); t != nil {
			return t, nil
		}
	}
	if p.source == nil {
		return nil, errNoSource
	}

	// The shared fetch outlives any single caller; each caller stops waiting
	// when its own context is done.
	ch := p.group.DoChan(key.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		t, err := p.source.Fetch(fctx, key)
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			p.cache.Put(key, t)
		}
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Tile), nil
	}
}

// Tiles returns every known tile: preloaded ones ordered by key, then cached
// ones oldest first.
func (p *Provider) Tiles() []*Tile {
	out := make([]*Tile, 0, len(p.preloaded))
	for _, t := range p.preloaded {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Tile) int { return compareKeys(a.Key, b.Key) })
	if p.cache != nil {
		out = append(out, p.cache.Tiles()...)
	}
	return out
}

// FeatureCollection renders every known tile's road lines as GeoJSON with
// their flow level and tile key.
func (p *Provider) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, t := range p.Tiles() {
		for _, f := range t.Features {
			gf := geojson.NewFeature(f.Geometry)
			gf.Properties["tile"] = t.Key.String()
			if f.Level != nil {
				gf.Properties[LevelProperty] = *f.Level
			}
			fc.Append(gf)
		}
	}
	return fc
}

// ProviderStats summarizes the lookup chain.
type ProviderStats struct {
	Preloaded int                      `json:"preloaded"`
	Cache     *CacheStats              `json:"cache,omitempty"`
	Upstream  *resilience.BreakerStats `json:"upstream,omitempty"`
}

// Stats returns counters for the preloaded set, cache and upstream breaker.
func (p *Provider) Stats() ProviderStats {
	st := ProviderStats{Preloaded: len(p.preloaded)}
	if p.cache != nil {
		cs := p.cache.Stats()
		st.Cache = &cs
	}
	if b, ok := p.source.(interface{ BreakerStats() resilience.BreakerStats }); ok {
		bs := b.BreakerStats()
		st.Upstream = &bs
	}
	return st
}

// TilesIn lists the keys of the tiles covering bound at zoom z.
func TilesIn(bound orb.Bound, z maptile.Zoom, flow Flow) []TileKey {
	nw, se := corners(bound, z)
	var keys []TileKey
	for y := nw.Y; y <= se.Y; y++ {
		for x := nw.X; x <= se.X; x++ {
			keys = append(keys, TileKey{X: x, Y: y, Zoom: z, Flow: flow})
		}
	}
	return keys
}

// Preload fetches every tile covering bound, at most workers at a time.
// Tiles that fail to load are logged and skipped.
func Preload(ctx context.Context, source Source, bound orb.Bound, z maptile.Zoom, flow Flow, workers int) (map[TileKey]*Tile, error) {
	if bound.Min.Lon() > bound.Max.Lon() || bound.Min.Lat() > bound.Max.Lat() {
		return nil, eris.Wrap(scoring.ErrConfiguration, "traffic: preload bbox min exceeds max")
	}
	if n := tileCount(bound, z); n > MaxPreloadTiles {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "traffic: preload covers %v tiles, limit %d", n, MaxPreloadTiles)
	}
	keys := TilesIn(bound, z, flow)

	var mu sync.Mutex
	tiles := make(map[TileKey]*Tile, len(keys))
	var failed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, key := range keys {
		g.Go(func() error {
			t, err := source.Fetch(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed++
				zap.L().Warn("traffic: preload tile failed", zap.Stringer("tile", key), zap.Error(err))
				return nil
			}
			tiles[key] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "traffic: preload")
	}

	zap.L().Info("traffic: preloaded tiles",
		zap.Int("tiles", len(tiles)), zap.Int("failed", failed), zap.Uint32("zoom", uint32(z)))
	return tiles, nil
}

func tileCount(bound orb.Bound, z maptile.Zoom) float64 {
	nw, se := corners(bound, z)
	return (math.Abs(float64(se.X)-float64(nw.X)) + 1) * (math.Abs(float64(se.Y)-float64(nw.Y)) + 1)
}

// corners returns the north-west and south-east tiles of bound.
func corners(bound orb.Bound, z maptile.Zoom) (maptile.Tile, maptile.Tile) {
	clampLat := func(lat float64) float64 { return min(max(lat, -maxMercatorLat), maxMercatorLat) }
	nw := maptile.At(orb.Point{bound.Min.Lon(), clampLat(bound.Max.Lat())}, z)
	se := maptile.At(orb.Point{bound.Max.Lon(), clampLat(bound.Min.Lat())}, z)
	return nw, se
}

func compareKeys(a, b TileKey) int {
	return cmp.Or(
		cmp.Compare(a.Flow, b.Flow),
		cmp.Compare(a.Zoom, b.Zoom),
		cmp.Compare(a.Y, b.Y),
		cmp.Compare(a.X, b.X),
	)
}
