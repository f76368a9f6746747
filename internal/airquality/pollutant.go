// Package airquality scores route segments from a gridded pollutant snapshot
// using the European Air Quality Index bands.
package airquality

// Pollutant identifies a measured species.
type Pollutant string

const (
	PM25 Pollutant = "pm25"
	PM10 Pollutant = "pm10"
	NO2  Pollutant = "no2"
	O3   Pollutant = "o3"
)

// Pollutants lists the scored species.
var Pollutants = []Pollutant{PM25, PM10, NO2, O3}

// breakpoints are the upper bounds (µg/m³) of the good, fair, moderate, poor
// and very poor bands. Anything above the last is extremely poor.
var breakpoints = map[Pollutant][5]float64{
	PM25: {10, 20, 25, 50, 75},
	PM10: {20, 40, 50, 100, 150},
	NO2:  {40, 90, 120, 230, 340},
	O3:   {50, 100, 130, 240, 380},
}

// halfScores holds the (lower half, upper half) scores of bands fair to very poor.
var halfScores = [4][2]float64{{9, 8}, {7, 6}, {5, 4}, {3, 2}}

// Breakpoints returns the band bounds for p.
func Breakpoints(p Pollutant) ([5]float64, bool) {
	b, ok := breakpoints[p]
	return b, ok
}

// ScorePollutant maps a concentration to 1..10. Good scores 10, extremely
// poor scores 1, and each band in between is split at its midpoint with
// values at or below the midpoint getting the higher score. Unknown
// pollutants report false.
func ScorePollutant(value float64, p Pollutant) (float64, bool) {
	bps, ok := breakpoints[p]
	if !ok {
		return 0, false
	}
	if value <= bps[0] {
		return 10, true
	}
	for band := 1; band < len(bps); band++ {
		if value > bps[band] {
			continue
		}
		mid := (bps[band-1] + bps[band]) / 2
		if value <= mid {
			return halfScores[band-1][0], true
		}
		return halfScores[band-1][1], true
	}
	return 1, true
}
