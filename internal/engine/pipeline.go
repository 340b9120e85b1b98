package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

// SystemErrorReasoning is the verdict reasoning used when a pipeline run
// fails for any reason other than the classifiers' own judgment.
const SystemErrorReasoning = "system error - manual review required"

// ContextEnricher resolves the environmental context for a reading. It never
// fails; unavailable sources are substituted with synthetic values.
type ContextEnricher interface {
	Enrich(ctx context.Context, loc models.Location, ts time.Time) models.ContextSnapshot
}

// VerdictWriter is the persistence call the pipeline needs.
type VerdictWriter interface {
	CreateAuditVerdict(ctx context.Context, verdict models.AuditVerdict) (string, error)
}

// Notifier delivers anomaly verdicts to an external channel.
type Notifier interface {
	NotifyAnomaly(ctx context.Context, verdict models.AuditVerdict) error
}

// Pipeline drives one reading through the audit state machine:
// INGESTED, ENRICHING, RULE_CHECKED, AI_CLASSIFIED, RECONCILED, PERSISTED,
// and NOTIFIED for anomalies with a notifier configured. Every run persists
// exactly one verdict; failures persist a system-error verdict instead of
// dropping the reading.
type Pipeline struct {
	logger         *slog.Logger
	enricher       ContextEnricher
	ruleClassifier *RuleClassifier
	analyzer       *ContextAnalyzer
	aiClassifier   *AIClassifier
	baseline       *BaselineAnalyzer
	rulesEngine    *RuleEngine
	store          VerdictWriter
	notifier       Notifier
}

// NewPipeline constructs the audit pipeline. The rules engine and notifier
// may be nil; the other dependencies are required.
func NewPipeline(
	logger *slog.Logger,
	enricher ContextEnricher,
	aiClassifier *AIClassifier,
	rulesEngine *RuleEngine,
	store VerdictWriter,
	notifier Notifier,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		logger:         logger,
		enricher:       enricher,
		ruleClassifier: NewRuleClassifier(),
		analyzer:       NewContextAnalyzer(),
		aiClassifier:   aiClassifier,
		baseline:       NewBaselineAnalyzer(),
		rulesEngine:    rulesEngine,
		store:          store,
		notifier:       notifier,
	}
}

// Run audits one reading. history is the facility's recent consumption used
// for the baseline summary; it may be empty. The returned error is non-nil
// only when even the verdict could not be persisted.
func (p *Pipeline) Run(ctx context.Context, reading models.TelemetryRecord, rules models.FacilityRules, history []models.TelemetryRecord) (verdict models.AuditVerdict, err error) {
	trace := &traceLog{}
	state := models.StateIngested
	persisted := false

	defer func() {
		if r := recover(); r != nil {
			if persisted {
				// The verdict is already stored; a second one would break
				// the one-verdict-per-reading contract.
				p.logger.Error("panic after verdict persisted",
					slog.String("verdict_id", verdict.ID),
					slog.String("state", string(state)),
					slog.Any("panic", r))
				return
			}
			verdict, err = p.systemError(ctx, reading, trace, state, fmt.Errorf("panic: %v", r))
		}
	}()

	trace.add(state, models.TraceInfo, fmt.Sprintf(
		"reading %s accepted for facility %s (%.2f kWh)", reading.ID, reading.FacilityID, reading.EnergyKwh))

	if verr := validateInputs(reading, rules); verr != nil {
		return p.systemError(ctx, reading, trace, state, verr)
	}

	state = models.StateEnriching
	snapshot := p.enricher.Enrich(ctx, rules.Location, reading.Timestamp)
	trace.add(state, models.TraceInfo, fmt.Sprintf(
		"context resolved: %.1fC %s, humidity %.0f%%, grid %.1f g/kWh",
		snapshot.TemperatureC, snapshot.WeatherCondition, snapshot.HumidityPct, snapshot.GridCarbonIntensity))
	trace.add(state, provenanceLevel(snapshot.Provenance), fmt.Sprintf(
		"weather source: %s, grid source: %s", snapshot.Provenance.Weather, snapshot.Provenance.Grid))

	state = models.StateRuleChecked
	ruleVerdict := p.ruleClassifier.Classify(reading, rules)
	trace.add(state, models.TraceInfo, fmt.Sprintf(
		"rule classifier: %s (confidence %d): %s", ruleVerdict.Severity, ruleVerdict.Confidence, ruleVerdict.Reasoning))

	analysis := p.analyzer.Analyze(reading, snapshot, rules)
	analysisLevel := models.TraceInfo
	if analysis.Suspicious {
		analysisLevel = models.TraceWarning
	}
	trace.add(state, analysisLevel, "contextual analysis: "+analysis.Reasoning)
	if len(analysis.Flags) > 0 {
		trace.add(state, models.TraceInfo, "flags raised: "+strings.Join(analysis.Flags, ", "))
	}

	baseline := p.baseline.Summarize(history, reading)
	if baseline != nil {
		trace.add(state, models.TraceInfo, fmt.Sprintf(
			"baseline: mean %.2f kWh over %d readings, deviation %.1f standard deviations",
			baseline.MeanKwh, baseline.Samples, baseline.Deviation))
	}

	state = models.StateAIClassified
	classification := p.aiClassifier.Classify(ctx, reading, snapshot, rules, analysis, baseline)
	if classification.UsedFallback {
		trace.add(state, models.TraceWarning, "fallback heuristic used: "+classification.FailureReason)
	} else {
		trace.add(state, models.TraceInfo, "completion service verdict accepted")
	}
	aiVerdict := classification.Verdict
	trace.add(state, models.TraceInfo, fmt.Sprintf(
		"ai classifier: %s (confidence %d): %s", aiVerdict.Severity, aiVerdict.Confidence, aiVerdict.Reasoning))

	state = models.StateReconciled
	merged := Reconcile(ruleVerdict, aiVerdict)
	trace.add(state, models.TraceInfo, fmt.Sprintf(
		"reconciled to %s (confidence %d) from %s", merged.Severity, merged.Confidence, merged.ChosenSource))
	trace.add(state, models.TraceInfo, fmt.Sprintf(
		"discarded %s verdict: %s", merged.Discarded.Source, merged.Discarded.Reasoning))

	state = models.StatePersisted
	verdict = models.AuditVerdict{
		ID:              uuid.NewString(),
		TelemetryID:     reading.ID,
		FacilityID:      reading.FacilityID,
		Severity:        merged.Severity,
		Confidence:      merged.Confidence,
		Reasoning:       merged.Reasoning,
		Flags:           analysis.Flags,
		Recommendations: p.rulesEngine.Recommend(merged.Severity, merged.Confidence, analysis.Flags),
		CreatedAt:       time.Now().UTC(),
	}
	trace.add(state, models.TraceInfo, "verdict persisted")
	verdict.Trace = trace.entries

	if _, perr := p.store.CreateAuditVerdict(ctx, verdict); perr != nil {
		return models.AuditVerdict{}, fmt.Errorf("persist verdict: %w", perr)
	}
	persisted = true

	if p.notifier != nil && verdict.Severity == models.SeverityAnomaly {
		state = models.StateNotified
		if nerr := p.notifier.NotifyAnomaly(ctx, verdict); nerr != nil {
			p.logger.Warn("anomaly notification failed",
				slog.String("verdict_id", verdict.ID), slog.Any("error", nerr))
		} else {
			verdict.Trace = append(verdict.Trace, models.TraceEntry{
				Stage:   string(state),
				Message: "anomaly notification delivered",
				Level:   models.TraceInfo,
			})
		}
	}

	return verdict, nil
}

// systemError persists the terminal WARNING verdict for a run that failed
// outside the classifiers' judgment. The reading is never dropped.
func (p *Pipeline) systemError(ctx context.Context, reading models.TelemetryRecord, trace *traceLog, state models.AuditState, cause error) (models.AuditVerdict, error) {
	p.logger.Error("audit pipeline failure",
		slog.String("telemetry_id", reading.ID),
		slog.String("facility_id", reading.FacilityID),
		slog.String("state", string(state)),
		slog.Any("error", cause))

	trace.add(state, models.TraceError, fmt.Sprintf("stage failure: %v", cause))
	trace.add(models.StatePersisted, models.TraceWarning, "system-error verdict persisted")

	verdict := models.AuditVerdict{
		ID:          uuid.NewString(),
		TelemetryID: reading.ID,
		FacilityID:  reading.FacilityID,
		Severity:    models.SeverityWarning,
		Confidence:  0,
		Reasoning:   SystemErrorReasoning,
		Trace:       trace.entries,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := p.store.CreateAuditVerdict(ctx, verdict); err != nil {
		return models.AuditVerdict{}, fmt.Errorf("persist system-error verdict: %w", err)
	}
	return verdict, nil
}

func validateInputs(reading models.TelemetryRecord, rules models.FacilityRules) error {
	if rules.MaxLoadKwh <= 0 {
		return fmt.Errorf("invalid facility rules for %s: max load %.2f kWh", reading.FacilityID, rules.MaxLoadKwh)
	}
	if reading.EnergyKwh < 0 {
		return fmt.Errorf("invalid reading %s: negative consumption %.2f kWh", reading.ID, reading.EnergyKwh)
	}
	return nil
}

func provenanceLevel(p models.SourceProvenance) string {
	if p.Weather == models.ProvenanceSynthetic || p.Grid == models.ProvenanceSynthetic {
		return models.TraceWarning
	}
	return models.TraceInfo
}

// traceLog accumulates trace entries in execution order.
type traceLog struct {
	entries []models.TraceEntry
}

func (t *traceLog) add(state models.AuditState, level, message string) {
	t.entries = append(t.entries, models.TraceEntry{
		Stage:   string(state),
		Message: message,
		Level:   level,
	})
}
