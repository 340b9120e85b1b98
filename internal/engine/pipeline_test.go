package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

type fakeEnricher struct {
	snapshot models.ContextSnapshot
}

func (f *fakeEnricher) Enrich(ctx context.Context, loc models.Location, ts time.Time) models.ContextSnapshot {
	return f.snapshot
}

type fakeVerdictStore struct {
	verdicts []models.AuditVerdict
	err      error
}

func (f *fakeVerdictStore) CreateAuditVerdict(ctx context.Context, verdict models.AuditVerdict) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.verdicts = append(f.verdicts, verdict)
	return verdict.ID, nil
}

type fakeNotifier struct {
	notified []models.AuditVerdict
	err      error
}

func (f *fakeNotifier) NotifyAnomaly(ctx context.Context, verdict models.AuditVerdict) error {
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, verdict)
	return nil
}

func cleanSnapshot() models.ContextSnapshot {
	return models.ContextSnapshot{
		TemperatureC:        26,
		WeatherCondition:    "sunny",
		HumidityPct:         50,
		GridCarbonIntensity: 420,
		Provenance: models.SourceProvenance{
			Weather: models.ProvenanceAPI,
			Grid:    models.ProvenanceAPI,
		},
	}
}

func traceStages(entries []models.TraceEntry) []string {
	stages := make([]string, 0, len(entries))
	for _, e := range entries {
		stages = append(stages, e.Stage)
	}
	return stages
}

func stagesInOrder(entries []models.TraceEntry, want ...models.AuditState) bool {
	idx := 0
	for _, e := range entries {
		if idx < len(want) && e.Stage == string(want[idx]) {
			idx++
		}
	}
	return idx == len(want)
}

func TestPipelineVerifiedRun(t *testing.T) {
	store := &fakeVerdictStore{}
	notifier := &fakeNotifier{}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, nil, time.Second),
		nil,
		store,
		notifier,
	)

	reading := models.TelemetryRecord{
		ID:         "tel-1",
		FacilityID: "fac-1",
		Timestamp:  time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC),
		EnergyKwh:  300,
	}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	verdict, err := pipeline.Run(context.Background(), reading, rules, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if verdict.Severity != models.SeverityVerified || verdict.Confidence != 80 {
		t.Fatalf("expected VERIFIED/80, got %s/%d", verdict.Severity, verdict.Confidence)
	}
	if verdict.TelemetryID != "tel-1" || verdict.FacilityID != "fac-1" {
		t.Fatalf("verdict should reference the reading: %+v", verdict)
	}
	if len(store.verdicts) != 1 {
		t.Fatalf("expected exactly one persisted verdict, got %d", len(store.verdicts))
	}
	if len(notifier.notified) != 0 {
		t.Fatalf("verified readings must not notify, got %d", len(notifier.notified))
	}
	if !stagesInOrder(verdict.Trace,
		models.StateIngested, models.StateEnriching, models.StateRuleChecked,
		models.StateAIClassified, models.StateReconciled, models.StatePersisted) {
		t.Fatalf("trace stages out of order: %v", traceStages(verdict.Trace))
	}
}

func TestPipelineFloorHoldsWhenCompletionFails(t *testing.T) {
	store := &fakeVerdictStore{}
	notifier := &fakeNotifier{}
	failing := &fakeCompletion{err: errors.New("upstream down")}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, failing, time.Second),
		nil,
		store,
		notifier,
	)

	reading := models.TelemetryRecord{ID: "tel-2", FacilityID: "fac-1", EnergyKwh: 430, Timestamp: time.Now().UTC()}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	verdict, err := pipeline.Run(context.Background(), reading, rules, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if verdict.Severity != models.SeverityAnomaly {
		t.Fatalf("rule floor must hold through AI failure, got %s", verdict.Severity)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("anomaly should notify once, got %d", len(notifier.notified))
	}
	if !stagesInOrder(verdict.Trace, models.StatePersisted, models.StateNotified) {
		t.Fatalf("notification should be traced after persistence: %v", traceStages(verdict.Trace))
	}

	fallbackTraced := false
	for _, entry := range verdict.Trace {
		if entry.Stage == string(models.StateAIClassified) && entry.Level == models.TraceWarning {
			fallbackTraced = true
		}
	}
	if !fallbackTraced {
		t.Fatalf("fallback path must be recorded in the trace: %v", verdict.Trace)
	}
}

func TestPipelineKeepsDiscardedReasoning(t *testing.T) {
	store := &fakeVerdictStore{}
	completion := &fakeCompletion{
		response: `{"severity": "VERIFIED", "confidence": 95, "reasoning": "consumption is plausible"}`,
	}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, completion, time.Second),
		nil,
		store,
		nil,
	)

	reading := models.TelemetryRecord{ID: "tel-3", FacilityID: "fac-1", EnergyKwh: 400, Timestamp: time.Now().UTC()}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	verdict, err := pipeline.Run(context.Background(), reading, rules, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// 400 vs 350 is +14.3%: rule WARNING outranks AI VERIFIED.
	if verdict.Severity != models.SeverityWarning {
		t.Fatalf("expected WARNING, got %s", verdict.Severity)
	}

	discardedTraced := false
	for _, entry := range verdict.Trace {
		if entry.Stage == string(models.StateReconciled) && entry.Message == "discarded ai_classifier verdict: consumption is plausible" {
			discardedTraced = true
		}
	}
	if !discardedTraced {
		t.Fatalf("discarded reasoning must land in the trace: %+v", verdict.Trace)
	}
}

func TestPipelineInvalidRulesSystemError(t *testing.T) {
	store := &fakeVerdictStore{}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, nil, time.Second),
		nil,
		store,
		nil,
	)

	reading := models.TelemetryRecord{ID: "tel-4", FacilityID: "fac-1", EnergyKwh: 300, Timestamp: time.Now().UTC()}

	verdict, err := pipeline.Run(context.Background(), reading, models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 0}, nil)
	if err != nil {
		t.Fatalf("system errors must still produce a verdict: %v", err)
	}

	if verdict.Severity != models.SeverityWarning || verdict.Confidence != 0 {
		t.Fatalf("expected WARNING/0 system-error verdict, got %s/%d", verdict.Severity, verdict.Confidence)
	}
	if verdict.Reasoning != SystemErrorReasoning {
		t.Fatalf("unexpected reasoning %q", verdict.Reasoning)
	}
	if len(store.verdicts) != 1 {
		t.Fatalf("system-error verdict must be persisted, got %d", len(store.verdicts))
	}

	errorTraced := false
	for _, entry := range verdict.Trace {
		if entry.Level == models.TraceError {
			errorTraced = true
		}
	}
	if !errorTraced {
		t.Fatalf("stage failure must be traced at error level: %v", verdict.Trace)
	}
}

func TestPipelineSyntheticProvenanceTracedAsWarning(t *testing.T) {
	store := &fakeVerdictStore{}
	snapshot := cleanSnapshot()
	snapshot.Provenance.Weather = models.ProvenanceSynthetic
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: snapshot},
		NewAIClassifier(nil, nil, time.Second),
		nil,
		store,
		nil,
	)

	reading := models.TelemetryRecord{ID: "tel-5", FacilityID: "fac-1", EnergyKwh: 300, Timestamp: time.Now().UTC()}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	verdict, err := pipeline.Run(context.Background(), reading, rules, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	provenanceWarned := false
	for _, entry := range verdict.Trace {
		if entry.Stage == string(models.StateEnriching) && entry.Level == models.TraceWarning {
			provenanceWarned = true
		}
	}
	if !provenanceWarned {
		t.Fatalf("synthetic provenance should be traced at warning level: %v", verdict.Trace)
	}
}

func TestPipelineNotifierFailureKeepsVerdict(t *testing.T) {
	store := &fakeVerdictStore{}
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, nil, time.Second),
		nil,
		store,
		notifier,
	)

	reading := models.TelemetryRecord{ID: "tel-6", FacilityID: "fac-1", EnergyKwh: 430, Timestamp: time.Now().UTC()}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	verdict, err := pipeline.Run(context.Background(), reading, rules, nil)
	if err != nil {
		t.Fatalf("notification failure must not fail the run: %v", err)
	}
	if verdict.Severity != models.SeverityAnomaly {
		t.Fatalf("expected ANOMALY, got %s", verdict.Severity)
	}
	if len(store.verdicts) != 1 {
		t.Fatalf("verdict must stay persisted, got %d", len(store.verdicts))
	}
}

func TestPipelinePersistFailureSurfaces(t *testing.T) {
	store := &fakeVerdictStore{err: errors.New("connection reset")}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, nil, time.Second),
		nil,
		store,
		nil,
	)

	reading := models.TelemetryRecord{ID: "tel-7", FacilityID: "fac-1", EnergyKwh: 300, Timestamp: time.Now().UTC()}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	if _, err := pipeline.Run(context.Background(), reading, rules, nil); err == nil {
		t.Fatalf("expected error when the store is down")
	}
}

func TestPipelineBaselineInTrace(t *testing.T) {
	store := &fakeVerdictStore{}
	pipeline := NewPipeline(
		nil,
		&fakeEnricher{snapshot: cleanSnapshot()},
		NewAIClassifier(nil, nil, time.Second),
		nil,
		store,
		nil,
	)

	history := readingsWithEnergy(290, 310, 300, 305)
	reading := models.TelemetryRecord{ID: "tel-8", FacilityID: "fac-1", EnergyKwh: 300, Timestamp: time.Now().UTC()}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}

	verdict, err := pipeline.Run(context.Background(), reading, rules, history)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	baselineTraced := false
	for _, entry := range verdict.Trace {
		if entry.Stage == string(models.StateRuleChecked) && len(entry.Message) > 9 && entry.Message[:9] == "baseline:" {
			baselineTraced = true
		}
	}
	if !baselineTraced {
		t.Fatalf("baseline summary should be traced: %v", verdict.Trace)
	}
}
