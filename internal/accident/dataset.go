// Package accident scores route segments by the density of historical
// accidents near them, with older accidents weighing exponentially less.
package accident

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/db"
	"github.com/ecocycle/navigator/internal/geo"
	"github.com/ecocycle/navigator/internal/projection"
	"github.com/ecocycle/navigator/internal/scoring"
	"github.com/ecocycle/navigator/internal/snapshot"
	"github.com/ecocycle/navigator/internal/spatial"
)

// Record is one historical accident. Its time has month and hour resolution.
type Record struct {
	Location geo.Coordinate `json:"location"`
	Time     time.Time      `json:"time"`
}

// Label renders the accident time as "YYYY-MM HH:00".
func (r Record) Label() string {
	return r.Time.Format("2006-01 15:00")
}

// NewRecord validates the timestamp parts and builds a record in UTC.
func NewRecord(lat, lon float64, year, month, hour int) (Record, error) {
	if year < 1 || month < 1 || month > 12 || hour < 0 || hour > 23 {
		return Record{}, eris.Wrapf(scoring.ErrConfiguration,
			"accident: invalid timestamp year=%d month=%d hour=%d", year, month, hour)
	}
	return Record{
		Location: geo.Coordinate{Lat: lat, Lon: lon},
		Time:     time.Date(year, time.Month(month), 1, hour, 0, 0, 0, time.UTC),
	}, nil
}

// Dataset is an immutable, spatially indexed set of accidents in a metric frame.
type Dataset struct {
	utm       projection.UTM
	records   []Record
	projected []geom.Coord
	index     *spatial.Index
}

// NewDataset projects records and indexes them.
func NewDataset(utm projection.UTM, records []Record) *Dataset {
	d := &Dataset{
		utm:       utm,
		records:   records,
		projected: make([]geom.Coord, len(records)),
	}
	bounds := make([]*geom.Bounds, len(records))
	for i, r := range records {
		c := utm.Forward(r.Location)
		d.projected[i] = c
		bounds[i] = spatial.PointBounds(c, 0)
	}
	d.index = spatial.NewIndex(bounds)
	return d
}

// Len returns the number of accidents.
func (d *Dataset) Len() int { return len(d.records) }

// Records returns the accidents in load order. Callers must not modify it.
func (d *Dataset) Records() []Record { return d.records }

// csvRow mirrors the snapshot columns. Pointers distinguish empty cells.
type csvRow struct {
	Lon   *float64 `csv:"lon"`
	Lat   *float64 `csv:"lat"`
	Year  *int     `csv:"UJAHR"`
	Month *int     `csv:"UMONAT"`
	Hour  *int     `csv:"USTUNDE"`
}

// LoadCSV reads an accident snapshot. Every row must carry coordinates and a
// complete timestamp; any gap is a configuration error.
func LoadCSV(ctx context.Context, r io.Reader) ([]Record, error) {
	var out []Record
	err := snapshot.DecodeCSV(ctx, r, snapshot.CSVOptions{RequireColumns: true}, func(row int, c csvRow) error {
		if c.Lon == nil || c.Lat == nil {
			return eris.Wrapf(scoring.ErrConfiguration, "accident: row %d: missing coordinates", row)
		}
		if c.Year == nil || c.Month == nil || c.Hour == nil {
			return eris.Wrapf(scoring.ErrConfiguration, "accident: row %d: missing timestamp", row)
		}
		rec, err := NewRecord(*c.Lat, *c.Lon, *c.Year, *c.Month, *c.Hour)
		if err != nil {
			return eris.Wrapf(err, "accident: row %d", row)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		if eris.Is(err, scoring.ErrConfiguration) {
			return nil, err
		}
		return nil, eris.Wrapf(scoring.ErrConfiguration, "accident: load csv: %v", err)
	}
	zap.L().Info("accident: loaded csv snapshot", zap.Int("records", len(out)))
	return out, nil
}

// LoadPostgres reads accidents from a table with the snapshot's columns.
func LoadPostgres(ctx context.Context, q db.Querier, table string) ([]Record, error) {
	sql := fmt.Sprintf(`SELECT lon, lat, "UJAHR", "UMONAT", "USTUNDE" FROM %s`, db.QualifiedTable(table))
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "accident: query accidents")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var lon, lat float64
		var year, month, hour int32
		if err := rows.Scan(&lon, &lat, &year, &month, &hour); err != nil {
			return nil, eris.Wrapf(scoring.ErrConfiguration, "accident: row %d: %v", len(out)+1, err)
		}
		rec, err := NewRecord(lat, lon, int(year), int(month), int(hour))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "accident: iterate accident rows")
	}
	zap.L().Info("accident: loaded postgres snapshot", zap.String("table", table), zap.Int("records", len(out)))
	return out, nil
}
