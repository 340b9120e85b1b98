package engine

import (
	"strings"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

// severityRank is the precedence order used during reconciliation.
var severityRank = map[models.Severity]int{
	models.SeverityVerified: 0,
	models.SeverityWarning:  2,
	models.SeverityAnomaly:  3,
}

// NormalizeSeverity maps alternate labels from older classifier revisions
// (such as NORMAL) onto the canonical three-value set.
func NormalizeSeverity(s models.Severity) models.Severity {
	switch models.Severity(strings.ToUpper(strings.TrimSpace(string(s)))) {
	case models.SeverityAnomaly:
		return models.SeverityAnomaly
	case models.SeverityWarning:
		return models.SeverityWarning
	default:
		return models.SeverityVerified
	}
}

// Reconciliation is the merged outcome of the two classifier verdicts. The
// losing verdict is retained so the trace never loses its reasoning.
type Reconciliation struct {
	Severity     models.Severity
	Confidence   int
	Reasoning    string
	ChosenSource string
	Discarded    models.ClassifierVerdict
}

// Reconcile merges the deterministic and AI verdicts. The higher severity
// rank wins; a tie keeps the AI verdict's confidence and reasoning. The rule
// verdict therefore acts as a floor the AI cannot downgrade, while the AI can
// escalate using context the rule check ignores. Pure.
func Reconcile(ruleVerdict, aiVerdict models.ClassifierVerdict) Reconciliation {
	ruleSeverity := NormalizeSeverity(ruleVerdict.Severity)
	aiSeverity := NormalizeSeverity(aiVerdict.Severity)

	chosen, discarded := aiVerdict, ruleVerdict
	severity := aiSeverity
	if severityRank[ruleSeverity] > severityRank[aiSeverity] {
		chosen, discarded = ruleVerdict, aiVerdict
		severity = ruleSeverity
	}

	return Reconciliation{
		Severity:     severity,
		Confidence:   chosen.Confidence,
		Reasoning:    chosen.Reasoning,
		ChosenSource: chosen.Source,
		Discarded:    discarded,
	}
}
