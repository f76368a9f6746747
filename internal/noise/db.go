// Package noise scores route segments by the road-traffic noise level (Lden)
// of the mapped zone they pass through.
package noise

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	quietDB = 57.0
	loudDB  = 75.0
)

// DBToScore maps Lden to 1..10: 57 dB or less scores 10, 75 dB or more scores
// 1, linear in between and rounded half away from zero.
func DBToScore(db float64) float64 {
	switch {
	case db <= quietDB:
		return 10
	case db >= loudDB:
		return 1
	}
	return math.Round(10 - (db-quietDB)*9/(loudDB-quietDB))
}

var digits = regexp.MustCompile(`\d+`)

// CategoryToDB parses a band label such as "Lden5559", "Lden55-59",
// "LdenAbove75" or "ab75" into a representative level: the band midpoint, or
// the single bound for open bands.
func CategoryToDB(category string) (float64, bool) {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(category)), "lden", "")
	nums := digits.FindAllString(s, -1)

	if strings.HasPrefix(s, "ab") && len(nums) > 0 {
		v, _ := strconv.ParseFloat(nums[0], 64)
		return v, true
	}
	switch {
	case len(nums) == 2:
		lo, _ := strconv.ParseFloat(nums[0], 64)
		hi, _ := strconv.ParseFloat(nums[1], 64)
		return (lo + hi) / 2, true
	case len(nums) == 1 && len(nums[0]) == 4:
		lo, _ := strconv.ParseFloat(nums[0][:2], 64)
		hi, _ := strconv.ParseFloat(nums[0][2:], 64)
		return (lo + hi) / 2, true
	case len(nums) > 0:
		v, _ := strconv.ParseFloat(nums[0], 64)
		return v, true
	}
	return 0, false
}

// DeriveDB picks a zone's level from its attributes (keys lower-cased): an
// explicit noise_db, else the db_low/db_high pair, else the category band.
// A db_high of 0 means the band is open and db_low is used alone.
func DeriveDB(attrs map[string]any) (float64, bool) {
	if v, ok := number(attrs["noise_db"]); ok {
		return v, true
	}

	lo, hasLo := number(attrs["db_low"])
	hi, hasHi := number(attrs["db_high"])
	switch {
	case hasLo && hasHi && hi == 0:
		return lo, true
	case hasLo && hasHi:
		return (lo + hi) / 2, true
	case hasLo:
		return lo, true
	case hasHi:
		return hi, true
	}

	if s, ok := attrs["category"].(string); ok {
		return CategoryToDB(s)
	}
	return 0, false
}

// number reads a numeric attribute from GeoJSON numbers or shapefile text.
// Decimal commas are accepted.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(x, ",", "."))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
