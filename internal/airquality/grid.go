package airquality

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/snapshot"
)

// Key is a grid position in hundredths of a degree.
type Key struct {
	Lat int32
	Lon int32
}

// CacheKey rounds a position to two decimals, half away from zero.
func CacheKey(lat, lon float64) Key {
	return Key{Lat: int32(math.Round(lat * 100)), Lon: int32(math.Round(lon * 100))}
}

// Cell is one grid sample. Nil concentrations were not measured.
type Cell struct {
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	PM25      *float64   `json:"pm25,omitempty"`
	PM10      *float64   `json:"pm10,omitempty"`
	NO2       *float64   `json:"no2,omitempty"`
	O3        *float64   `json:"o3,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Concentration returns the measured value of p.
func (c Cell) Concentration(p Pollutant) (float64, bool) {
	var v *float64
	switch p {
	case PM25:
		v = c.PM25
	case PM10:
		v = c.PM10
	case NO2:
		v = c.NO2
	case O3:
		v = c.O3
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Score is the worst sub-score across measured pollutants, or no data when
// nothing was measured.
func (c Cell) Score() scoring.Score {
	best := math.Inf(1)
	for _, p := range Pollutants {
		v, ok := c.Concentration(p)
		if !ok {
			continue
		}
		if s, _ := ScorePollutant(v, p); s < best {
			best = s
		}
	}
	if math.IsInf(best, 1) {
		return scoring.NoData()
	}
	return scoring.Of(best)
}

// Grid is an immutable lookup of cells by rounded position.
type Grid struct {
	cells map[Key]Cell
}

// NewGrid indexes cells. A later cell at the same key replaces an earlier one.
func NewGrid(cells []Cell) *Grid {
	g := &Grid{cells: make(map[Key]Cell, len(cells))}
	for _, c := range cells {
		g.cells[CacheKey(c.Lat, c.Lon)] = c
	}
	return g
}

// Len returns the number of distinct grid positions.
func (g *Grid) Len() int { return len(g.cells) }

// Lookup returns the cell covering a position.
func (g *Grid) Lookup(lat, lon float64) (Cell, bool) {
	c, ok := g.cells[CacheKey(lat, lon)]
	return c, ok
}

type csvRow struct {
	Lat       *float64 `csv:"lat"`
	Lon       *float64 `csv:"lon"`
	PM25      *float64 `csv:"pm2_5"`
	PM10      *float64 `csv:"pm10"`
	NO2       *float64 `csv:"no2"`
	O3        *float64 `csv:"o3"`
	Timestamp string   `csv:"timestamp"`
	Status    string   `csv:"status"`
	Error     string   `csv:"error"`
}

// LoadCSV reads an air-quality snapshot, keeping only rows whose status is
// "ok". Rows without a position are skipped.
func LoadCSV(ctx context.Context, r io.Reader) ([]Cell, error) {
	var cells []Cell
	var skipped int
	err := snapshot.DecodeCSV(ctx, r, snapshot.CSVOptions{}, func(row int, c csvRow) error {
		if c.Status != "ok" || c.Lat == nil || c.Lon == nil {
			skipped++
			zap.L().Debug("airquality: skipping row",
				zap.Int("row", row), zap.String("status", c.Status), zap.String("error", c.Error))
			return nil
		}
		cell := Cell{Lat: *c.Lat, Lon: *c.Lon, PM25: c.PM25, PM10: c.PM10, NO2: c.NO2, O3: c.O3}
		if ts, err := time.Parse(time.RFC3339, c.Timestamp); err == nil {
			cell.Timestamp = &ts
		}
		cells = append(cells, cell)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(scoring.ErrConfiguration, "airquality: load csv: %v", err)
	}
	zap.L().Info("airquality: loaded snapshot", zap.Int("cells", len(cells)), zap.Int("skipped", skipped))
	return cells, nil
}
