package engine

import (
	"fmt"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

// Variance thresholds in percent over the contracted ceiling.
const (
	anomalyVariancePct = 20.0
	warningVariancePct = 10.0
)

// Fixed confidence levels for the deterministic check.
const (
	ruleAnomalyConfidence  = 85
	ruleWarningConfidence  = 70
	ruleVerifiedConfidence = 80
)

// RuleClassifier grades a reading against the facility's contracted load
// ceiling. It is the deterministic severity floor of the audit.
type RuleClassifier struct{}

// NewRuleClassifier creates the deterministic classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// VariancePct returns the percent deviation of consumption from the ceiling.
func VariancePct(energyKwh, maxLoadKwh float64) float64 {
	return (energyKwh - maxLoadKwh) / maxLoadKwh * 100
}

// Classify grades the reading. Pure; no I/O. The caller guarantees
// rules.MaxLoadKwh is positive.
func (c *RuleClassifier) Classify(reading models.TelemetryRecord, rules models.FacilityRules) models.ClassifierVerdict {
	variance := VariancePct(reading.EnergyKwh, rules.MaxLoadKwh)

	switch {
	case variance > anomalyVariancePct:
		return models.ClassifierVerdict{
			Severity:   models.SeverityAnomaly,
			Confidence: ruleAnomalyConfidence,
			Reasoning: fmt.Sprintf(
				"consumption %.2f kWh exceeds the %.2f kWh ceiling by %.1f%%, above the %.0f%% anomaly threshold (warning threshold %.0f%%)",
				reading.EnergyKwh, rules.MaxLoadKwh, variance, anomalyVariancePct, warningVariancePct),
			Source: models.SourceRuleClassifier,
		}
	case variance > warningVariancePct:
		return models.ClassifierVerdict{
			Severity:   models.SeverityWarning,
			Confidence: ruleWarningConfidence,
			Reasoning: fmt.Sprintf(
				"consumption %.2f kWh exceeds the %.2f kWh ceiling by %.1f%%, between the %.0f%% warning and %.0f%% anomaly thresholds",
				reading.EnergyKwh, rules.MaxLoadKwh, variance, warningVariancePct, anomalyVariancePct),
			Source: models.SourceRuleClassifier,
		}
	default:
		return models.ClassifierVerdict{
			Severity:   models.SeverityVerified,
			Confidence: ruleVerifiedConfidence,
			Reasoning: fmt.Sprintf(
				"consumption %.2f kWh is %.1f%% relative to the %.2f kWh ceiling, within the %.0f%% warning threshold (anomaly threshold %.0f%%)",
				reading.EnergyKwh, variance, rules.MaxLoadKwh, warningVariancePct, anomalyVariancePct),
			Source: models.SourceRuleClassifier,
		}
	}
}
