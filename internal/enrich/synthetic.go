package enrich

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/providers"
)

type latitudeBand int

const (
	bandTropical latitudeBand = iota
	bandTemperate
	bandPolar
)

func bandFor(lat float64) latitudeBand {
	abs := math.Abs(lat)
	switch {
	case abs < 23.5:
		return bandTropical
	case abs <= 66.5:
		return bandTemperate
	default:
		return bandPolar
	}
}

// syntheticSeed derives a stable seed from location and timestamp so repeated
// runs over the same reading produce the same substitute values.
func syntheticSeed(loc models.Location, ts time.Time) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%.4f:%.4f:%d", loc.Lat, loc.Lon, ts.Unix())
	return int64(h.Sum64())
}

// SyntheticWeather derives a plausible observation from the latitude band,
// with bounded randomness seeded by (location, timestamp).
func SyntheticWeather(loc models.Location, ts time.Time) providers.Observation {
	rng := rand.New(rand.NewSource(syntheticSeed(loc, ts)))

	var (
		tempMin, tempMax float64
		conditions       []string
	)
	switch bandFor(loc.Lat) {
	case bandTropical:
		tempMin, tempMax = 24, 38
		conditions = []string{"sunny", "humid", "rainy", "stormy"}
	case bandTemperate:
		tempMin, tempMax = 5, 30
		conditions = []string{"sunny", "cloudy", "rainy", "windy"}
		month := ts.UTC().Month()
		summer := month >= time.June && month <= time.August
		if loc.Lat < 0 {
			summer = !summer
		}
		if summer {
			tempMin, tempMax = 15, 34
		} else {
			tempMin, tempMax = -5, 18
		}
	default:
		tempMin, tempMax = -25, 8
		conditions = []string{"snowy", "cloudy", "clear", "windy"}
	}

	return providers.Observation{
		TemperatureC: round1(tempMin + rng.Float64()*(tempMax-tempMin)),
		Condition:    conditions[rng.Intn(len(conditions))],
		HumidityPct:  round1(35 + rng.Float64()*50),
	}
}

// SyntheticGridIntensity interpolates a base intensity from longitude, a
// proxy for regional renewable mix, and applies the peak-hour factor.
func SyntheticGridIntensity(loc models.Location, ts time.Time) float64 {
	frac := (loc.Lon + 180.0) / 360.0
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	base := 250 + frac*450
	if isPeakHour(ts) {
		base *= 1.2
	}
	return round1(base)
}

// isPeakHour reports whether ts falls in the morning or evening demand peak.
func isPeakHour(ts time.Time) bool {
	h := ts.UTC().Hour()
	return (h >= 7 && h < 10) || (h >= 18 && h < 22)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
