// Package scoring defines the criterion scorer contract and aggregates
// per-segment scores into per-route results.
package scoring

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
)

// ErrConfiguration marks invalid datasets or settings detected at startup.
var ErrConfiguration = eris.New("scoring: configuration error")

// Criterion names one exposure dimension.
type Criterion string

const (
	Accident   Criterion = "accident"
	AirQuality Criterion = "air_quality"
	Noise      Criterion = "noise"
	Traffic    Criterion = "traffic"
)

// Criteria lists every criterion in output order.
var Criteria = []Criterion{Accident, AirQuality, Noise, Traffic}

// Score is a value on the 1 (worst) to 10 (best) scale, or no data.
type Score struct {
	value float64
	ok    bool
}

// Of returns a present score.
func Of(v float64) Score { return Score{value: v, ok: true} }

// NoData returns an absent score.
func NoData() Score { return Score{} }

// Value returns the score and whether it is present.
func (s Score) Value() (float64, bool) { return s.value, s.ok }

// Present reports whether the score carries data.
func (s Score) Present() bool { return s.ok }

// MarshalJSON encodes no-data as null.
func (s Score) MarshalJSON() ([]byte, error) {
	if !s.ok {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

// UnmarshalJSON accepts a number or null.
func (s *Score) UnmarshalJSON(b []byte) error {
	var v *float64
	if err := json.Unmarshal(b, &v); err != nil {
		return eris.Wrap(err, "scoring: decode score")
	}
	if v == nil {
		*s = NoData()
		return nil
	}
	*s = Of(*v)
	return nil
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// present drops no-data scores.
func present(scores []Score) []float64 {
	out := make([]float64, 0, len(scores))
	for _, s := range scores {
		if v, ok := s.Value(); ok {
			out = append(out, v)
		}
	}
	return out
}

// WorstWeighted weights the worst segment three times as heavily as the mean:
// round((3*min + mean) / 4, 2). No-data scores are ignored; 0 when none remain.
func WorstWeighted(scores []Score) float64 {
	vals := present(scores)
	if len(vals) == 0 {
		return 0
	}
	lo := vals[0]
	var sum float64
	for _, v := range vals {
		lo = min(lo, v)
		sum += v
	}
	mean := sum / float64(len(vals))
	return Round2((3*lo + mean) / 4)
}

// MeanPresent is the arithmetic mean of present scores, 0 when none.
func MeanPresent(scores []Score) float64 {
	vals := present(scores)
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
