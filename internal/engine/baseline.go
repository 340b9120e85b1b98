package engine

import (
	"math"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

const minBaselineSamples = 3

// BaselineAnalyzer scores a reading against the facility's recent consumption
// history using a z-score. The score informs the AI classifier's prompt and
// the trace; it never sets severity on its own.
type BaselineAnalyzer struct {
	minSamples int
}

// NewBaselineAnalyzer creates the analyzer with the default sample floor.
func NewBaselineAnalyzer() *BaselineAnalyzer {
	return &BaselineAnalyzer{minSamples: minBaselineSamples}
}

// Summarize computes mean and standard deviation over the history and the
// current reading's deviation in standard deviations. Returns nil when the
// history is too thin for the statistics to mean anything.
func (a *BaselineAnalyzer) Summarize(history []models.TelemetryRecord, current models.TelemetryRecord) *models.BaselineStats {
	if a == nil || len(history) < a.minSamples {
		return nil
	}

	var sum float64
	for _, r := range history {
		sum += r.EnergyKwh
	}
	mean := sum / float64(len(history))

	var variance float64
	for _, r := range history {
		diff := r.EnergyKwh - mean
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(history)))
	if stdDev == 0 {
		stdDev = 0.01
	}

	return &models.BaselineStats{
		MeanKwh:   mean,
		StdDevKwh: stdDev,
		Deviation: (current.EnergyKwh - mean) / stdDev,
		Samples:   len(history),
	}
}
