package traffic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecocycle/navigator/internal/geo"
	"github.com/ecocycle/navigator/internal/resilience"
	"github.com/ecocycle/navigator/internal/scoring"
)

var dresden = orb.Point{13.74, 51.05}

// centerKey returns a zoom 14 tile and its center, so fixtures stay well
// inside one tile.
func centerKey(flow Flow) (TileKey, orb.Point, orb.Bound) {
	k := KeyAt(dresden, 14, flow)
	b := k.Tile().Bound()
	return k, b.Center(), b
}

func road(from, to orb.Point, level any) *geojson.Feature {
	f := geojson.NewFeature(orb.LineString{from, to})
	if level != nil {
		f.Properties[LevelProperty] = level
	}
	return f
}

// fixtureFeatures is a road through the tile center at level 0.5 and a
// parallel road a quarter tile north at level 0.9.
func fixtureFeatures(c orb.Point, b orb.Bound) []*geojson.Feature {
	w := (b.Max.Lon() - b.Min.Lon()) / 4
	h := (b.Max.Lat() - b.Min.Lat()) / 4
	return []*geojson.Feature{
		road(orb.Point{c.Lon() - w, c.Lat()}, orb.Point{c.Lon() + w, c.Lat()}, 0.5),
		road(orb.Point{c.Lon() - w, c.Lat() + h}, orb.Point{c.Lon() + w, c.Lat() + h}, 0.9),
	}
}

func encodeTile(t *testing.T, key TileKey, gzipped bool, features ...*geojson.Feature) []byte {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(f)
	}
	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{"Traffic flow": fc})
	layers.ProjectToTile(key.Tile())

	var data []byte
	var err error
	if gzipped {
		data, err = mvt.MarshalGzipped(layers)
	} else {
		data, err = mvt.Marshal(layers)
	}
	require.NoError(t, err)
	return data
}

// tileServer serves the fixture tile for every request and counts hits.
func tileServer(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func sourceFor(srv *httptest.Server) *HTTPSource {
	return NewHTTPSource(SourceConfig{
		URLTemplate: srv.URL + "/{flow}/{z}/{x}/{y}.pbf?key={key}",
		APIKey:      "secret",
		Timeout:     time.Second,
		Breaker:     resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
}

// routeThrough is a north-south route centered on c.
func routeThrough(c orb.Point, n int, stepDeg float64) *scoring.Route {
	pts := make([]geo.Coordinate, n)
	start := c.Lat() - stepDeg*float64(n-1)/2
	for i := range pts {
		pts[i] = geo.Coordinate{Lat: start + stepDeg*float64(i), Lon: c.Lon()}
	}
	return scoring.NewRoute(scoring.RawRoute{Geometry: pts}, 50)
}

func TestParseFlow(t *testing.T) {
	f, err := ParseFlow(" Relative ")
	require.NoError(t, err)
	assert.Equal(t, Relative, f)

	_, err = ParseFlow("relative0-dark")
	assert.True(t, eris.Is(err, ErrUnsupportedFlow))
}

func TestLevelToScore(t *testing.T) {
	assert.Equal(t, 1.0, LevelToScore(0))
	assert.Equal(t, 5.5, LevelToScore(0.5))
	assert.Equal(t, 10.0, LevelToScore(1))
	assert.Equal(t, 10.0, LevelToScore(3))
	assert.Equal(t, 1.0, LevelToScore(-1))
}

func TestTileKey(t *testing.T) {
	k := KeyAt(dresden, 14, Relative)
	assert.Equal(t, uint32(8817), k.X)
	assert.Equal(t, uint32(5481), k.Y)
	assert.Equal(t, "relative/14/8817/5481", k.String())
	assert.True(t, k.Tile().Bound().Contains(dresden))
}

func TestDecodeTile(t *testing.T) {
	key, c, b := centerKey(Relative)
	w := (b.Max.Lon() - b.Min.Lon()) / 8
	features := []*geojson.Feature{
		road(orb.Point{c.Lon() - w, c.Lat()}, orb.Point{c.Lon() + w, c.Lat()}, 1.7),
		road(orb.Point{c.Lon() - w, c.Lat()}, orb.Point{c.Lon(), c.Lat() + w}, nil),
		geojson.NewFeature(c),
	}

	for _, gz := range []bool{false, true} {
		tile, err := DecodeTile(key, encodeTile(t, key, gz, features...))
		require.NoError(t, err)
		require.Len(t, tile.Features, 2, "points are dropped")

		require.NotNil(t, tile.Features[0].Level)
		assert.Equal(t, 1.0, *tile.Features[0].Level, "clamped")
		assert.Nil(t, tile.Features[1].Level)

		ls, ok := tile.Features[0].Geometry.(orb.LineString)
		require.True(t, ok)
		assert.InDelta(t, c.Lat(), ls[0].Lat(), 1e-4)
		assert.InDelta(t, c.Lon()-w, ls[0].Lon(), 1e-4)
	}

	_, err := DecodeTile(key, []byte("not a tile"))
	assert.Error(t, err)
}

func TestTile_Nearest(t *testing.T) {
	key, c, b := centerKey(Relative)
	tile, err := DecodeTile(key, encodeTile(t, key, false, fixtureFeatures(c, b)...))
	require.NoError(t, err)

	f, ok := tile.Nearest(c)
	require.True(t, ok)
	assert.InDelta(t, 0.5, *f.Level, 1e-9)

	north := orb.Point{c.Lon(), b.Max.Lat()}
	f, ok = tile.Nearest(north)
	require.True(t, ok)
	assert.InDelta(t, 0.9, *f.Level, 1e-9)

	_, ok = (&Tile{}).Nearest(c)
	assert.False(t, ok)
}

func TestCache_BasicGetPut(t *testing.T) {
	cache := NewCache(100, time.Hour)
	k := TileKey{X: 512, Y: 256, Zoom: 10, Flow: Relative}

	assert.Nil(t, cache.Get(k))

	tile := &Tile{Key: k}
	cache.Put(k, tile)
	assert.Same(t, tile, cache.Get(k))

	other := k
	other.Flow = RelativeDelay
	assert.Nil(t, cache.Get(other), "flow is part of the key")
}

func TestCache_TTLExpiration(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewCache(100, time.Minute)
	cache.nowFunc = func() time.Time { return now }

	k := TileKey{Zoom: 1, Flow: Relative}
	cache.Put(k, &Tile{Key: k})
	assert.NotNil(t, cache.Get(k))
	assert.Len(t, cache.Tiles(), 1)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, cache.Tiles())
	assert.Nil(t, cache.Get(k))

	cache.mu.Lock()
	_, exists := cache.entries[k]
	cache.mu.Unlock()
	assert.False(t, exists)
}

func TestCache_LRUEviction(t *testing.T) {
	cache := NewCache(3, time.Hour)
	key := func(x uint32) TileKey { return TileKey{X: x, Flow: Relative} }

	for x := uint32(0); x < 3; x++ {
		cache.Put(key(x), &Tile{Key: key(x)})
	}
	// Touch 0 so 1 becomes the oldest.
	cache.Get(key(0))
	cache.Put(key(3), &Tile{Key: key(3)})

	assert.NotNil(t, cache.Get(key(0)))
	assert.Nil(t, cache.Get(key(1)))
	assert.NotNil(t, cache.Get(key(2)))
	assert.NotNil(t, cache.Get(key(3)))
	assert.Equal(t, 3, cache.Stats().Entries)
}

func TestCache_Stats(t *testing.T) {
	cache := NewCache(10, time.Hour)
	k := TileKey{Flow: Relative}
	cache.Put(k, &Tile{})
	cache.Get(k)
	cache.Get(TileKey{X: 1})

	st := cache.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 0.5, st.HitRate)
	assert.Equal(t, 10, st.MaxEntries)
	assert.Equal(t, 3600.0, st.TTLSeconds)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache(50, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := TileKey{X: uint32(i*100 + j), Flow: Relative}
				cache.Put(k, &Tile{Key: k})
				cache.Get(k)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, cache.Stats().Entries, 50)
}

// countingSource returns a fixed tile per key after an optional gate.
type countingSource struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (s *countingSource) Fetch(ctx context.Context, key TileKey) (*Tile, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Tile{Key: key}, nil
}

func TestProvider_LookupOrder(t *testing.T) {
	pre := TileKey{X: 1, Flow: Relative}
	other := TileKey{X: 2, Flow: Relative}
	preTile := &Tile{Key: pre}

	src := &countingSource{}
	cache := NewCache(10, time.Hour)
	p := NewProvider(src, cache, map[TileKey]*Tile{pre: preTile})

	got, err := p.Tile(context.Background(), pre)
	require.NoError(t, err)
	assert.Same(t, preTile, got)
	assert.Equal(t, int32(0), src.calls.Load())
	assert.Equal(t, 0, cache.Stats().Entries, "preloaded tiles are not cached")

	first, err := p.Tile(context.Background(), other)
	require.NoError(t, err)
	second, err := p.Tile(context.Background(), other)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())

	st := p.Stats()
	assert.Equal(t, 1, st.Preloaded)
	require.NotNil(t, st.Cache)
	assert.Equal(t, 1, st.Cache.Entries)
	assert.Nil(t, st.Upstream)

	assert.Len(t, p.Tiles(), 2)
}

func TestProvider_CollapsesConcurrentMisses(t *testing.T) {
	src := &countingSource{gate: make(chan struct{})}
	p := NewProvider(src, NewCache(10, time.Hour), nil)
	key := TileKey{X: 7, Flow: Relative}

	var wg sync.WaitGroup
	tiles := make([]*Tile, 8)
	for i := range tiles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tile, err := p.Tile(context.Background(), key)
			assert.NoError(t, err)
			tiles[i] = tile
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, tile := range tiles {
		assert.Same(t, tiles[0], tile)
	}
}

func TestProvider_CancelledCallerDoesNotFailOthers(t *testing.T) {
	src := &countingSource{gate: make(chan struct{})}
	p := NewProvider(src, NewCache(10, time.Hour), nil)
	key := TileKey{X: 9, Flow: Relative}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := p.Tile(ctxA, key)
		errA <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		tile *Tile
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		tile, err := p.Tile(context.Background(), key)
		resB <- result{tile, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(src.gate)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, key, r.tile.Key)
	case <-time.After(time.Second):
		t.Fatal("live caller never got the tile")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestProvider_Offline(t *testing.T) {
	p := NewProvider(nil, nil, nil)
	_, err := p.Tile(context.Background(), TileKey{Flow: Relative})
	assert.Error(t, err)
	assert.Empty(t, p.Tiles())
	assert.Nil(t, p.Stats().Cache)
}

func TestProvider_FeatureCollection(t *testing.T) {
	key, c, b := centerKey(Relative)
	tile, err := DecodeTile(key, encodeTile(t, key, false, fixtureFeatures(c, b)...))
	require.NoError(t, err)
	tile.Features = append(tile.Features, Feature{Geometry: orb.LineString{c, b.Max}})

	p := NewProvider(nil, nil, map[TileKey]*Tile{key: tile})
	fc := p.FeatureCollection()
	require.Len(t, fc.Features, 3)
	assert.Equal(t, key.String(), fc.Features[0].Properties["tile"])
	assert.InDelta(t, 0.5, fc.Features[0].Properties[LevelProperty], 1e-9)
	assert.NotContains(t, fc.Features[2].Properties, LevelProperty)

	data, err := fc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)
}

func TestHTTPSource_Fetch(t *testing.T) {
	key, c, b := centerKey(Relative)
	body := encodeTile(t, key, true, fixtureFeatures(c, b)...)

	var path, apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		apiKey = r.URL.Query().Get("key")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tile, err := sourceFor(srv).Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "/relative/14/8817/5481.pbf", path)
	assert.Equal(t, "secret", apiKey)
	assert.Len(t, tile.Features, 2)
	assert.Equal(t, key, tile.Key)
}

func TestHTTPSource_BreakerOpensOnServerErrors(t *testing.T) {
	srv, hits := tileServer(t, http.StatusServiceUnavailable, nil)
	src := sourceFor(srv)
	key := TileKey{X: 1, Y: 1, Zoom: 2, Flow: Relative}

	for i := 0; i < 2; i++ {
		_, err := src.Fetch(context.Background(), key)
		var se *resilience.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	}

	_, err := src.Fetch(context.Background(), key)
	assert.True(t, eris.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", src.BreakerStats().State)
}

func TestHTTPSource_NotFoundDoesNotTrip(t *testing.T) {
	srv, hits := tileServer(t, http.StatusNotFound, nil)
	src := sourceFor(srv)
	key := TileKey{Zoom: 1, Flow: Relative}

	for i := 0; i < 4; i++ {
		_, err := src.Fetch(context.Background(), key)
		assert.Error(t, err)
	}
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, "closed", src.BreakerStats().State)
}

func TestScorer_RelativeFlow(t *testing.T) {
	key, c, b := centerKey(Relative)
	srv, hits := tileServer(t, http.StatusOK, encodeTile(t, key, false, fixtureFeatures(c, b)...))
	p := NewProvider(sourceFor(srv), NewCache(16, time.Hour), nil)

	s, err := NewScorer(p, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, scoring.Traffic, s.Criterion())

	route := routeThrough(c, 2, 0.0002)
	anns, err := s.Annotate(context.Background(), route)
	require.NoError(t, err)
	require.Len(t, anns, 1)

	v, ok := anns[0].Score.Value()
	require.True(t, ok)
	assert.InDelta(t, 5.5, v, 1e-9)
	assert.InDelta(t, 0.5, anns[0].Attributes[LevelProperty], 1e-9)

	// Four segments in the same tile reuse one fetch, then the cache.
	long := routeThrough(c, 5, 0.0005)
	anns, err = s.Annotate(context.Background(), long)
	require.NoError(t, err)
	require.Len(t, anns, 4)
	assert.Equal(t, int32(1), hits.Load())
	assert.InDelta(t, 5.5, s.ScoreRoute(scoring.Scores(anns[:1])), 1e-9)
}

func TestScorer_AbsoluteFlowIsNoData(t *testing.T) {
	_, c, _ := centerKey(Absolute)
	srv, hits := tileServer(t, http.StatusOK, nil)
	p := NewProvider(sourceFor(srv), nil, nil)

	s, err := NewScorer(p, Config{Zoom: 14, Flow: Absolute})
	require.NoError(t, err)

	anns, err := s.Annotate(context.Background(), routeThrough(c, 3, 0.0005))
	require.NoError(t, err)
	require.Len(t, anns, 2)
	for _, a := range anns {
		assert.False(t, a.Score.Present())
	}
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0.0, s.ScoreRoute(scoring.Scores(anns)))
}

func TestScorer_FetchFailureIsNoData(t *testing.T) {
	_, c, _ := centerKey(Relative)
	srv, hits := tileServer(t, http.StatusInternalServerError, nil)
	p := NewProvider(sourceFor(srv), NewCache(4, time.Hour), nil)

	s, err := NewScorer(p, DefaultConfig())
	require.NoError(t, err)

	anns, err := s.Annotate(context.Background(), routeThrough(c, 5, 0.0005))
	require.NoError(t, err)
	for _, a := range anns {
		assert.False(t, a.Score.Present())
	}
	assert.Equal(t, int32(1), hits.Load(), "failed tile is not refetched within one route")
	assert.Equal(t, 0.0, s.ScoreRoute(scoring.Scores(anns)))
}

func TestScorer_MissingLevelIsNoData(t *testing.T) {
	key, c, b := centerKey(Relative)
	w := (b.Max.Lon() - b.Min.Lon()) / 4
	tile, err := DecodeTile(key, encodeTile(t, key, false,
		road(orb.Point{c.Lon() - w, c.Lat()}, orb.Point{c.Lon() + w, c.Lat()}, "fast")))
	require.NoError(t, err)

	s, err := NewScorer(NewProvider(nil, nil, map[TileKey]*Tile{key: tile}), DefaultConfig())
	require.NoError(t, err)

	anns, err := s.Annotate(context.Background(), routeThrough(c, 2, 0.0002))
	require.NoError(t, err)
	assert.False(t, anns[0].Score.Present())
}

func TestNewScorer_Validation(t *testing.T) {
	p := NewProvider(nil, nil, nil)

	_, err := NewScorer(nil, DefaultConfig())
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))

	_, err = NewScorer(p, Config{Zoom: 23, Flow: Relative})
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))

	_, err = NewScorer(p, Config{Zoom: 14, Flow: "sideways"})
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))
}

func TestTilesIn(t *testing.T) {
	key, c, _ := centerKey(Relative)
	single := orb.Bound{Min: orb.Point{c.Lon() - 0.001, c.Lat() - 0.001}, Max: orb.Point{c.Lon() + 0.001, c.Lat() + 0.001}}
	assert.Equal(t, []TileKey{key}, TilesIn(single, 14, Relative))

	world := orb.Bound{Min: orb.Point{-179.9, -80}, Max: orb.Point{179.9, 80}}
	assert.Len(t, TilesIn(world, 1, Relative), 4)
}

func TestPreload(t *testing.T) {
	key, c, b := centerKey(Relative)
	body := encodeTile(t, key, false, fixtureFeatures(c, b)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/8817/5481.pbf") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	// Spans the fixture tile and its eastern neighbour.
	bound := orb.Bound{
		Min: orb.Point{c.Lon(), c.Lat()},
		Max: orb.Point{b.Max.Lon() + (b.Max.Lon()-b.Min.Lon())/2, c.Lat() + 0.0001},
	}
	tiles, err := Preload(context.Background(), sourceFor(srv), bound, 14, Relative, 4)
	require.NoError(t, err)
	require.Len(t, tiles, 1, "the failing neighbour is skipped")
	assert.Len(t, tiles[key].Features, 2)
}

func TestPreload_RejectsBadBounds(t *testing.T) {
	src := &countingSource{}
	_, err := Preload(context.Background(), src,
		orb.Bound{Min: orb.Point{14, 52}, Max: orb.Point{13, 51}}, 14, Relative, 1)
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))

	_, err = Preload(context.Background(), src,
		orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{179.9, 85}}, 10, Relative, 1)
	assert.True(t, eris.Is(err, scoring.ErrConfiguration))
	assert.Equal(t, int32(0), src.calls.Load())
}
