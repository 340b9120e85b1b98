package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

type fakeCompletion struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompletion) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func auditFixture() (models.TelemetryRecord, models.ContextSnapshot, models.FacilityRules) {
	reading := models.TelemetryRecord{
		ID:         "tel-1",
		FacilityID: "fac-1",
		Timestamp:  time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC),
		EnergyKwh:  300,
	}
	snapshot := models.ContextSnapshot{
		TemperatureC:        28,
		WeatherCondition:    "sunny",
		HumidityPct:         55,
		GridCarbonIntensity: 420,
		Provenance: models.SourceProvenance{
			Weather: models.ProvenanceAPI,
			Grid:    models.ProvenanceAPI,
		},
	}
	rules := models.FacilityRules{FacilityID: "fac-1", MaxLoadKwh: 350}
	return reading, snapshot, rules
}

func TestAIClassifierPrimaryPath(t *testing.T) {
	client := &fakeCompletion{
		response: `{"severity": "warning", "confidence": 77, "reasoning": "borderline consumption"}`,
	}
	classifier := NewAIClassifier(nil, client, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{Reasoning: "no contextual inconsistencies detected"}, nil)

	if got.UsedFallback {
		t.Fatalf("expected primary path, got fallback (%s)", got.FailureReason)
	}
	if got.Verdict.Severity != models.SeverityWarning {
		t.Fatalf("expected WARNING, got %s", got.Verdict.Severity)
	}
	if got.Verdict.Confidence != 77 {
		t.Fatalf("expected confidence 77, got %d", got.Verdict.Confidence)
	}
	if got.Verdict.Reasoning != "borderline consumption" {
		t.Fatalf("unexpected reasoning %q", got.Verdict.Reasoning)
	}
	if got.Verdict.Source != models.SourceAIClassifier {
		t.Fatalf("unexpected source %q", got.Verdict.Source)
	}
	if len(client.prompts) != 1 || !strings.Contains(client.prompts[0], "300.00 kWh") {
		t.Fatalf("prompt should carry the reading: %v", client.prompts)
	}
}

func TestAIClassifierFencedResponse(t *testing.T) {
	client := &fakeCompletion{
		response: "```json\n{\"severity\": \"ANOMALY\", \"confidence\": 91, \"reasoning\": \"gross overage\"}\n```",
	}
	classifier := NewAIClassifier(nil, client, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{}, nil)

	if got.UsedFallback {
		t.Fatalf("fenced JSON should parse, got fallback (%s)", got.FailureReason)
	}
	if got.Verdict.Severity != models.SeverityAnomaly || got.Verdict.Confidence != 91 {
		t.Fatalf("unexpected verdict %+v", got.Verdict)
	}
}

func TestAIClassifierClampsConfidence(t *testing.T) {
	client := &fakeCompletion{
		response: `{"severity": "VERIFIED", "confidence": 140, "reasoning": "fine"}`,
	}
	classifier := NewAIClassifier(nil, client, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{}, nil)

	if got.UsedFallback {
		t.Fatalf("unexpected fallback (%s)", got.FailureReason)
	}
	if got.Verdict.Confidence != 100 {
		t.Fatalf("expected confidence clamped to 100, got %d", got.Verdict.Confidence)
	}
}

func TestAIClassifierMissingFieldFallsBack(t *testing.T) {
	client := &fakeCompletion{
		response: `{"severity": "WARNING", "reasoning": "no confidence given"}`,
	}
	classifier := NewAIClassifier(nil, client, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{}, nil)

	if !got.UsedFallback {
		t.Fatalf("missing field should be a hard failure of the primary path")
	}
	if !strings.Contains(got.FailureReason, "unusable completion") {
		t.Fatalf("unexpected failure reason %q", got.FailureReason)
	}
}

func TestAIClassifierUnknownSeverityFallsBack(t *testing.T) {
	client := &fakeCompletion{
		response: `{"severity": "PENDING", "confidence": 50, "reasoning": "???"}`,
	}
	classifier := NewAIClassifier(nil, client, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{}, nil)

	if !got.UsedFallback {
		t.Fatalf("unknown severity should be a hard failure of the primary path")
	}
}

func TestAIClassifierServiceErrorFallsBack(t *testing.T) {
	client := &fakeCompletion{err: errors.New("connection refused")}
	classifier := NewAIClassifier(nil, client, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{}, nil)

	if !got.UsedFallback {
		t.Fatalf("service error should fall back")
	}
	if !strings.Contains(got.FailureReason, "completion request failed") {
		t.Fatalf("unexpected failure reason %q", got.FailureReason)
	}
}

func TestAIClassifierNilClientFallsBack(t *testing.T) {
	classifier := NewAIClassifier(nil, nil, time.Second)
	reading, snapshot, rules := auditFixture()

	got := classifier.Classify(context.Background(), reading, snapshot, rules, AnalysisResult{}, nil)

	if !got.UsedFallback {
		t.Fatalf("nil client should fall back")
	}
	if got.FailureReason != "completion service not configured" {
		t.Fatalf("unexpected failure reason %q", got.FailureReason)
	}
	// 300 of 350 is 85.7%, under the 90% branch.
	if got.Verdict.Severity != models.SeverityVerified || got.Verdict.Confidence != 80 {
		t.Fatalf("expected VERIFIED/80 from heuristic, got %+v", got.Verdict)
	}
}

func TestFallbackVerdictBranches(t *testing.T) {
	rules := models.FacilityRules{MaxLoadKwh: 350}
	moderate := models.ContextSnapshot{TemperatureC: 25}
	hot := models.ContextSnapshot{TemperatureC: 41}

	cases := []struct {
		name       string
		energy     float64
		snapshot   models.ContextSnapshot
		severity   models.Severity
		confidence int
	}{
		{"gross overage", 430, moderate, models.SeverityAnomaly, 85},
		{"overage moderate temp", 380, moderate, models.SeverityAnomaly, 75},
		{"overage extreme temp", 380, hot, models.SeverityWarning, 60},
		{"near ceiling", 320, moderate, models.SeverityWarning, 70},
		{"under ceiling", 300, moderate, models.SeverityVerified, 80},
	}

	for _, tc := range cases {
		verdict := FallbackVerdict(models.TelemetryRecord{EnergyKwh: tc.energy}, tc.snapshot, rules)
		if verdict.Severity != tc.severity || verdict.Confidence != tc.confidence {
			t.Fatalf("%s: expected %s/%d, got %s/%d",
				tc.name, tc.severity, tc.confidence, verdict.Severity, verdict.Confidence)
		}
	}
}

func TestBuildPromptCarriesContext(t *testing.T) {
	reading, snapshot, rules := auditFixture()
	baseline := &models.BaselineStats{MeanKwh: 280, StdDevKwh: 15, Deviation: 1.3, Samples: 24}
	analysis := AnalysisResult{
		Suspicious: true,
		Reasoning:  "heavy draw at 91% of the ceiling while grid carbon intensity is 900 g/kWh",
		Flags:      []string{FlagHighCarbonImpact},
	}

	prompt := buildPrompt(reading, snapshot, rules, analysis, baseline)

	for _, want := range []string{"fac-1", "350.00 kWh", "28.0C", "sunny", "HIGH_CARBON_IMPACT", "280.00 kWh", "VERIFIED, WARNING, ANOMALY"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"```{\"a\":1}```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
