package traffic

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a concurrent-safe LRU cache of decoded tiles with TTL expiration.
type Cache struct {
	mu         sync.Mutex
	entries    map[TileKey]*cacheEntry
	order      []TileKey // front=oldest, back=newest
	maxEntries int
	ttl        time.Duration
	hits       atomic.Int64
	misses     atomic.Int64

	nowFunc func() time.Time
}

type cacheEntry struct {
	tile      *Tile
	createdAt time.Time
}

// CacheStats contains cache performance statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	TTLSeconds float64 `json:"ttl_seconds"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewCache creates a cache holding at most maxEntries tiles for ttl each.
// A maxEntries below 1 is raised to 1.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		entries:    make(map[TileKey]*cacheEntry),
		maxEntries: max(maxEntries, 1),
		ttl:        ttl,
		nowFunc:    time.Now,
	}
}

// Get returns a cached tile, or nil on miss or expiration.
func (c *Cache) Get(key TileKey) *Tile {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil
	}

	if c.nowFunc().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		c.misses.Add(1)
		return nil
	}

	c.removeFromOrder(key)
	c.order = append(c.order, key)
	c.hits.Add(1)
	return entry.tile
}

// Put stores a tile, evicting the least recently used entry when full.
func (c *Cache) Put(key TileKey, tile *Tile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = &cacheEntry{tile: tile, createdAt: c.nowFunc()}
		c.removeFromOrder(key)
		c.order = append(c.order, key)
		return
	}

	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &cacheEntry{tile: tile, createdAt: c.nowFunc()}
	c.order = append(c.order, key)
}

// Tiles returns the unexpired tiles, oldest first.
func (c *Cache) Tiles() []*Tile {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	out := make([]*Tile, 0, len(c.order))
	for _, key := range c.order {
		if e := c.entries[key]; now.Sub(e.createdAt) <= c.ttl {
			out = append(out, e.tile)
		}
	}
	return out
}

// Stats returns cache performance statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:    entries,
		MaxEntries: c.maxEntries,
		TTLSeconds: c.ttl.Seconds(),
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}

func (c *Cache) removeFromOrder(key TileKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
