package snapshot

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

// CSVOptions tunes DecodeCSV.
type CSVOptions struct {
	// Comma overrides the field delimiter (default ',').
	Comma rune
	// RequireColumns fails when the header lacks a column the record type names.
	RequireColumns bool
}

// DecodeCSV decodes header-keyed rows into T and hands each to fn with its
// 1-based data row number. Decoding stops at the first error from the reader,
// the decoder or fn, or when ctx is done.
func DecodeCSV[T any](ctx context.Context, r io.Reader, opts CSVOptions, fn func(row int, rec T) error) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}

	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "csv: read header")
	}
	dec.DisallowMissingColumns = opts.RequireColumns

	for row := 1; ; row++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "csv: context cancelled")
		}
		var rec T
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return eris.Wrapf(err, "csv: row %d", row)
		}
		if err := fn(row, rec); err != nil {
			return err
		}
	}
}
