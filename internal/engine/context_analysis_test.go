package engine

import (
	"strings"
	"testing"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func TestAnalyzeCleanReading(t *testing.T) {
	analyzer := NewContextAnalyzer()

	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 200},
		models.ContextSnapshot{TemperatureC: 25, WeatherCondition: "sunny", GridCarbonIntensity: 400},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if result.Suspicious {
		t.Fatalf("clean reading marked suspicious: %+v", result)
	}
	if len(result.Flags) != 0 {
		t.Fatalf("expected no flags, got %v", result.Flags)
	}
	if result.Reasoning != "no contextual inconsistencies detected" {
		t.Fatalf("unexpected reasoning %q", result.Reasoning)
	}
}

func TestAnalyzeCoolWeatherHighLoad(t *testing.T) {
	analyzer := NewContextAnalyzer()

	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 300},
		models.ContextSnapshot{TemperatureC: 15, WeatherCondition: "cloudy", GridCarbonIntensity: 400},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if !result.Suspicious {
		t.Fatalf("expected suspicious for high load in cool weather")
	}
	if !hasFlag(result.Flags, FlagHighEnergyCoolWeather) {
		t.Fatalf("expected %s flag, got %v", FlagHighEnergyCoolWeather, result.Flags)
	}
}

func TestAnalyzeHighCarbonAloneSetsSuspicious(t *testing.T) {
	analyzer := NewContextAnalyzer()

	// Warm enough that the cool-weather rule stays quiet; the carbon rule is
	// then the first to speak and sets suspicious itself.
	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 320},
		models.ContextSnapshot{TemperatureC: 28, WeatherCondition: "sunny", GridCarbonIntensity: 900},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if !hasFlag(result.Flags, FlagHighCarbonImpact) {
		t.Fatalf("expected %s flag, got %v", FlagHighCarbonImpact, result.Flags)
	}
	if !result.Suspicious {
		t.Fatalf("expected suspicious when carbon rule fires first")
	}
	if !strings.Contains(result.Reasoning, "carbon") {
		t.Fatalf("reasoning should mention carbon: %q", result.Reasoning)
	}
}

func TestAnalyzeHighCarbonKeepsEarlierReasoning(t *testing.T) {
	analyzer := NewContextAnalyzer()

	// Cool-weather rule fires first; the carbon rule only adds its flag.
	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 320},
		models.ContextSnapshot{TemperatureC: 15, WeatherCondition: "cloudy", GridCarbonIntensity: 900},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if !hasFlag(result.Flags, FlagHighEnergyCoolWeather) || !hasFlag(result.Flags, FlagHighCarbonImpact) {
		t.Fatalf("expected both flags, got %v", result.Flags)
	}
	if !strings.Contains(result.Reasoning, "cool weather") {
		t.Fatalf("first rule's reasoning should win: %q", result.Reasoning)
	}
}

func TestAnalyzeCriticalOverageOverridesReasoning(t *testing.T) {
	analyzer := NewContextAnalyzer()

	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 450},
		models.ContextSnapshot{TemperatureC: 15, WeatherCondition: "cloudy", GridCarbonIntensity: 400},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if !result.Suspicious {
		t.Fatalf("expected suspicious for critical overage")
	}
	if !hasFlag(result.Flags, FlagCriticalOverage) {
		t.Fatalf("expected %s flag, got %v", FlagCriticalOverage, result.Flags)
	}
	if !strings.Contains(result.Reasoning, "critical overage") {
		t.Fatalf("overage reasoning should override earlier text: %q", result.Reasoning)
	}
}

func TestAnalyzeExtremeHeatExplainsLoad(t *testing.T) {
	analyzer := NewContextAnalyzer()

	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 320},
		models.ContextSnapshot{TemperatureC: 38, WeatherCondition: "sunny", GridCarbonIntensity: 400},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if result.Suspicious {
		t.Fatalf("heat-explained load should not be suspicious: %+v", result)
	}
	if !hasFlag(result.Flags, FlagExtremeHeatHighLoad) {
		t.Fatalf("expected %s flag, got %v", FlagExtremeHeatHighLoad, result.Flags)
	}
	if !strings.Contains(result.Reasoning, "expected") {
		t.Fatalf("exculpatory reasoning should state the usage is expected: %q", result.Reasoning)
	}
}

func TestAnalyzeRainyDayHighLoad(t *testing.T) {
	analyzer := NewContextAnalyzer()

	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 330},
		models.ContextSnapshot{TemperatureC: 25, WeatherCondition: "rainy", GridCarbonIntensity: 400},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if !result.Suspicious {
		t.Fatalf("expected suspicious for rainy-day high load")
	}
	if !hasFlag(result.Flags, FlagHighLoadRainyDay) {
		t.Fatalf("expected %s flag, got %v", FlagHighLoadRainyDay, result.Flags)
	}
}

func TestAnalyzeRainNotSuspiciousWhenHeatExplains(t *testing.T) {
	analyzer := NewContextAnalyzer()

	// Tropical storm: extreme heat fired, so rain keeps its flag but does
	// not escalate.
	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 330},
		models.ContextSnapshot{TemperatureC: 37, WeatherCondition: "rainy", GridCarbonIntensity: 400},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	if result.Suspicious {
		t.Fatalf("heat-explained rainy load should not be suspicious: %+v", result)
	}
	if !hasFlag(result.Flags, FlagExtremeHeatHighLoad) || !hasFlag(result.Flags, FlagHighLoadRainyDay) {
		t.Fatalf("expected heat and rain flags to accumulate, got %v", result.Flags)
	}
}

func TestAnalyzeFlagsAccumulateAcrossRules(t *testing.T) {
	analyzer := NewContextAnalyzer()

	// Cold, dirty grid, gross overage, raining: four rules match.
	result := analyzer.Analyze(
		models.TelemetryRecord{EnergyKwh: 450},
		models.ContextSnapshot{TemperatureC: 10, WeatherCondition: "rainy", GridCarbonIntensity: 900},
		models.FacilityRules{MaxLoadKwh: 350},
	)

	for _, want := range []string{FlagHighEnergyCoolWeather, FlagHighCarbonImpact, FlagCriticalOverage, FlagHighLoadRainyDay} {
		if !hasFlag(result.Flags, want) {
			t.Fatalf("missing flag %s in %v", want, result.Flags)
		}
	}
	if !result.Suspicious {
		t.Fatalf("expected suspicious")
	}
}
