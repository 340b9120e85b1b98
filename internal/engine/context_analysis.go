package engine

import (
	"fmt"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

// Flags raised by the contextual analyzer.
const (
	FlagHighEnergyCoolWeather = "HIGH_ENERGY_COOL_WEATHER"
	FlagHighCarbonImpact      = "HIGH_CARBON_IMPACT"
	FlagCriticalOverage       = "CRITICAL_OVERAGE"
	FlagExtremeHeatHighLoad   = "EXTREME_HEAT_HIGH_LOAD"
	FlagHighLoadRainyDay      = "HIGH_LOAD_RAINY_DAY"
)

// Analyzer thresholds. Load fractions are relative to the contracted ceiling.
const (
	coolWeatherTempC    = 22.0
	coolWeatherLoadFrac = 0.80

	highCarbonIntensity = 800.0
	highCarbonLoadFrac  = 0.90

	criticalOverageFrac = 1.20

	extremeHeatTempC    = 35.0
	extremeHeatLoadFrac = 0.85

	rainyDayLoadFrac = 0.90
)

// AnalysisResult is the contextual read on a single reading. Flags accumulate
// across every matching rule; Suspicious and Reasoning follow the rule
// ordering in Analyze.
type AnalysisResult struct {
	Suspicious bool
	Reasoning  string
	Flags      []string
}

// ContextAnalyzer cross-references a reading with its enrichment context to
// catch consumption that is technically under the ceiling but inconsistent
// with the conditions, and to excuse overages the weather explains.
type ContextAnalyzer struct{}

// NewContextAnalyzer creates the contextual analyzer.
func NewContextAnalyzer() *ContextAnalyzer {
	return &ContextAnalyzer{}
}

// Analyze runs the deterministic plausibility rules in a fixed order.
// Pure; no I/O.
func (a *ContextAnalyzer) Analyze(reading models.TelemetryRecord, snapshot models.ContextSnapshot, rules models.FacilityRules) AnalysisResult {
	var result AnalysisResult

	ceiling := rules.MaxLoadKwh
	load := reading.EnergyKwh
	loadPct := load / ceiling * 100
	heatExplained := false

	if load >= coolWeatherLoadFrac*ceiling && snapshot.TemperatureC < coolWeatherTempC {
		result.Flags = append(result.Flags, FlagHighEnergyCoolWeather)
		result.Suspicious = true
		result.Reasoning = fmt.Sprintf(
			"consumption at %.0f%% of the ceiling despite cool weather (%.1fC); no climate-driven load expected",
			loadPct, snapshot.TemperatureC)
	}

	if snapshot.GridCarbonIntensity > highCarbonIntensity && load >= highCarbonLoadFrac*ceiling {
		result.Flags = append(result.Flags, FlagHighCarbonImpact)
		if !result.Suspicious {
			result.Suspicious = true
			result.Reasoning = fmt.Sprintf(
				"heavy draw at %.0f%% of the ceiling while grid carbon intensity is %.0f g/kWh",
				loadPct, snapshot.GridCarbonIntensity)
		}
	}

	if load > criticalOverageFrac*ceiling {
		result.Flags = append(result.Flags, FlagCriticalOverage)
		result.Suspicious = true
		result.Reasoning = fmt.Sprintf(
			"consumption %.2f kWh is %.0f%% of the contracted %.2f kWh ceiling; critical overage",
			load, loadPct, ceiling)
	}

	if snapshot.TemperatureC > extremeHeatTempC && load >= extremeHeatLoadFrac*ceiling {
		result.Flags = append(result.Flags, FlagExtremeHeatHighLoad)
		heatExplained = true
		if !result.Suspicious {
			result.Reasoning = fmt.Sprintf(
				"elevated usage at %.0f%% of the ceiling is expected under extreme heat (%.1fC cooling load)",
				loadPct, snapshot.TemperatureC)
		}
	}

	if snapshot.WeatherCondition == "rainy" && load >= rainyDayLoadFrac*ceiling {
		result.Flags = append(result.Flags, FlagHighLoadRainyDay)
		if !heatExplained && !result.Suspicious {
			result.Suspicious = true
			result.Reasoning = fmt.Sprintf(
				"draw at %.0f%% of the ceiling on a rainy day with no heat to explain it",
				loadPct)
		}
	}

	if result.Reasoning == "" {
		result.Reasoning = "no contextual inconsistencies detected"
	}
	return result
}
