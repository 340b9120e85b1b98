package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/metrics"
	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/providers"
)

// Temperature band treated as moderate by the fallback heuristic. Overages
// outside this band can plausibly be climate-driven.
const (
	moderateTempMinC = 10.0
	moderateTempMaxC = 35.0
)

// Fallback heuristic confidence levels.
const (
	fallbackGrossOverageConfidence = 85
	fallbackOverageConfidence      = 75
	fallbackClimateConfidence      = 60
	fallbackNearCeilingConfidence  = 70
	fallbackVerifiedConfidence     = 80
)

const defaultCompletionTimeout = 12 * time.Second

// CompletionClient is the text-completion call the adapter depends on.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Classification is an adapter verdict plus the path that produced it.
// FailureReason is set only when the primary path failed.
type Classification struct {
	Verdict       models.ClassifierVerdict
	UsedFallback  bool
	FailureReason string
}

// AIClassifier wraps the external completion service behind a contract that
// cannot fail: any service error or malformed response degrades to a local
// deterministic heuristic instead of surfacing an error.
type AIClassifier struct {
	logger  *slog.Logger
	client  CompletionClient
	timeout time.Duration
}

// NewAIClassifier creates the adapter. A nil client means the completion
// service is unconfigured and every call takes the fallback path.
func NewAIClassifier(logger *slog.Logger, client CompletionClient, timeout time.Duration) *AIClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &AIClassifier{
		logger:  logger,
		client:  client,
		timeout: timeout,
	}
}

// Classify grades the reading via the completion service, degrading to the
// local heuristic when the service is unconfigured, unreachable, or returns
// an unusable response. Never returns an error.
func (c *AIClassifier) Classify(ctx context.Context, reading models.TelemetryRecord, snapshot models.ContextSnapshot, rules models.FacilityRules, analysis AnalysisResult, baseline *models.BaselineStats) Classification {
	if c.client == nil {
		return c.fallback(reading, snapshot, rules, "completion service not configured")
	}

	prompt := buildPrompt(reading, snapshot, rules, analysis, baseline)

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Complete(cctx, prompt)
	if err != nil {
		if errors.Is(err, providers.ErrNotConfigured) {
			return c.fallback(reading, snapshot, rules, "completion service not configured")
		}
		c.logger.Warn("completion request failed", slog.Any("error", err))
		return c.fallback(reading, snapshot, rules, fmt.Sprintf("completion request failed: %v", err))
	}

	verdict, err := parseCompletion(raw)
	if err != nil {
		c.logger.Warn("unusable completion response", slog.Any("error", err))
		return c.fallback(reading, snapshot, rules, fmt.Sprintf("unusable completion response: %v", err))
	}
	return Classification{Verdict: verdict}
}

func (c *AIClassifier) fallback(reading models.TelemetryRecord, snapshot models.ContextSnapshot, rules models.FacilityRules, reason string) Classification {
	metrics.ObserveAIFallback()
	return Classification{
		Verdict:       FallbackVerdict(reading, snapshot, rules),
		UsedFallback:  true,
		FailureReason: reason,
	}
}

// FallbackVerdict is the deterministic local heuristic used when the
// completion service cannot produce a verdict. Pure.
func FallbackVerdict(reading models.TelemetryRecord, snapshot models.ContextSnapshot, rules models.FacilityRules) models.ClassifierVerdict {
	ceiling := rules.MaxLoadKwh
	loadPct := reading.EnergyKwh / ceiling * 100
	overCeiling := reading.EnergyKwh > ceiling
	moderate := snapshot.TemperatureC >= moderateTempMinC && snapshot.TemperatureC <= moderateTempMaxC

	verdict := models.ClassifierVerdict{Source: models.SourceAIClassifier}
	switch {
	case reading.EnergyKwh > ceiling*1.2:
		verdict.Severity = models.SeverityAnomaly
		verdict.Confidence = fallbackGrossOverageConfidence
		verdict.Reasoning = fmt.Sprintf(
			"consumption %.2f kWh exceeds the %.2f kWh ceiling by more than 20%%",
			reading.EnergyKwh, ceiling)
	case overCeiling && moderate:
		verdict.Severity = models.SeverityAnomaly
		verdict.Confidence = fallbackOverageConfidence
		verdict.Reasoning = fmt.Sprintf(
			"consumption over the ceiling with moderate weather (%.1fC); no climate-driven explanation",
			snapshot.TemperatureC)
	case overCeiling:
		verdict.Severity = models.SeverityWarning
		verdict.Confidence = fallbackClimateConfidence
		verdict.Reasoning = fmt.Sprintf(
			"consumption over the ceiling under extreme temperature (%.1fC); load may be climate-driven",
			snapshot.TemperatureC)
	case loadPct >= 90:
		verdict.Severity = models.SeverityWarning
		verdict.Confidence = fallbackNearCeilingConfidence
		verdict.Reasoning = fmt.Sprintf(
			"consumption at %.1f%% of the ceiling approaches the contracted limit",
			loadPct)
	default:
		verdict.Severity = models.SeverityVerified
		verdict.Confidence = fallbackVerifiedConfidence
		verdict.Reasoning = fmt.Sprintf(
			"consumption at %.1f%% of the ceiling is within the contracted limit",
			loadPct)
	}
	return verdict
}

// completionPayload is the JSON object the completion service must return.
// Pointer fields distinguish a missing key from a zero value.
type completionPayload struct {
	Severity   *string  `json:"severity"`
	Confidence *float64 `json:"confidence"`
	Reasoning  *string  `json:"reasoning"`
}

// parseCompletion extracts a verdict from the raw completion text. Strict:
// severity must be one of the three known labels and every field must be
// present; anything else fails the primary path.
func parseCompletion(raw string) (models.ClassifierVerdict, error) {
	body := stripCodeFence(raw)

	var payload completionPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return models.ClassifierVerdict{}, fmt.Errorf("decode completion: %w", err)
	}
	if payload.Severity == nil || payload.Confidence == nil || payload.Reasoning == nil {
		return models.ClassifierVerdict{}, errors.New("completion missing severity, confidence, or reasoning")
	}

	severity := models.Severity(strings.ToUpper(strings.TrimSpace(*payload.Severity)))
	switch severity {
	case models.SeverityVerified, models.SeverityWarning, models.SeverityAnomaly:
	default:
		return models.ClassifierVerdict{}, fmt.Errorf("unknown severity %q", *payload.Severity)
	}

	confidence := int(*payload.Confidence)
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}

	return models.ClassifierVerdict{
		Severity:   severity,
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(*payload.Reasoning),
		Source:     models.SourceAIClassifier,
	}, nil
}

// stripCodeFence unwraps a markdown-fenced completion. Completions without a
// fence pass through untouched.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		if lang := strings.TrimSpace(s[:idx]); lang == "" || strings.EqualFold(lang, "json") {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// buildPrompt renders the reading, contract, context, and analysis into the
// instruction sent to the completion service.
func buildPrompt(reading models.TelemetryRecord, snapshot models.ContextSnapshot, rules models.FacilityRules, analysis AnalysisResult, baseline *models.BaselineStats) string {
	var b strings.Builder

	b.WriteString("You audit energy telemetry readings against contracted load ceilings.\n")
	b.WriteString("Respond with a single JSON object: {\"severity\": one of VERIFIED, WARNING, ANOMALY, \"confidence\": integer 0-100, \"reasoning\": string}.\n\n")

	fmt.Fprintf(&b, "Reading %s from facility %s at %s: %.2f kWh, %.1f V, %.1f A, %.1f W.\n",
		reading.ID, reading.FacilityID, reading.Timestamp.UTC().Format(time.RFC3339),
		reading.EnergyKwh, reading.Voltage, reading.CurrentAmps, reading.PowerWatts)
	fmt.Fprintf(&b, "Contract: maximum load %.2f kWh (reading is at %.1f%%), baseline carbon intensity %.1f g/kWh.\n",
		rules.MaxLoadKwh, reading.EnergyKwh/rules.MaxLoadKwh*100, rules.BaselineCarbonIntensity)
	fmt.Fprintf(&b, "Conditions: %.1fC, %s, humidity %.0f%%, grid carbon intensity %.1f g/kWh (weather source %s, grid source %s).\n",
		snapshot.TemperatureC, snapshot.WeatherCondition, snapshot.HumidityPct,
		snapshot.GridCarbonIntensity, snapshot.Provenance.Weather, snapshot.Provenance.Grid)

	fmt.Fprintf(&b, "Contextual analysis: %s", analysis.Reasoning)
	if len(analysis.Flags) > 0 {
		fmt.Fprintf(&b, " [flags: %s]", strings.Join(analysis.Flags, ", "))
	}
	b.WriteString("\n")

	if baseline != nil {
		fmt.Fprintf(&b, "Baseline: mean %.2f kWh over the last %d readings; this reading deviates by %.1f standard deviations.\n",
			baseline.MeanKwh, baseline.Samples, baseline.Deviation)
	}
	return b.String()
}
