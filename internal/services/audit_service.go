package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridsentry/gridsentry-audit/internal/cache"
	"github.com/gridsentry/gridsentry-audit/internal/engine"
	"github.com/gridsentry/gridsentry-audit/internal/metrics"
	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/patterns"
	"github.com/gridsentry/gridsentry-audit/internal/store"
	"github.com/gridsentry/gridsentry-audit/internal/utils"
)

var (
	// ErrInvalidReading marks a submission rejected before ingestion.
	ErrInvalidReading = errors.New("invalid reading")

	// ErrInvalidRules marks facility reference data that fails validation.
	ErrInvalidRules = errors.New("invalid facility rules")

	// ErrInvalidAction marks a reviewer action outside the allowed set.
	ErrInvalidAction = errors.New("invalid human action")
)

const (
	defaultBaselineWindow = 24

	// patternHistoryLimit bounds how many verdicts pattern mining reads.
	patternHistoryLimit = 500
)

// AuditService coordinates reading ingestion, audit pipeline runs, and
// reviewer operations for the HTTP and MQTT boundaries.
type AuditService struct {
	logger         *slog.Logger
	store          store.Store
	pipeline       *engine.Pipeline
	miner          *patterns.Miner
	cache          cache.Provider
	patternsTTL    time.Duration
	baselineWindow int
	latencies      *utils.LatencyTracker
}

// NewAuditService wires the service facade. A nil cache provider disables
// pattern caching.
func NewAuditService(
	logger *slog.Logger,
	st store.Store,
	pipeline *engine.Pipeline,
	miner *patterns.Miner,
	cacheProvider cache.Provider,
	patternsTTL time.Duration,
	baselineWindow int,
) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	if miner == nil {
		miner = patterns.NewMiner(logger)
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
		patternsTTL = 0
	}
	if baselineWindow <= 0 {
		baselineWindow = defaultBaselineWindow
	}
	return &AuditService{
		logger:         logger,
		store:          st,
		pipeline:       pipeline,
		miner:          miner,
		cache:          cacheProvider,
		patternsTTL:    patternsTTL,
		baselineWindow: baselineWindow,
		latencies:      utils.NewLatencyTracker(1024),
	}
}

// SubmitReading validates and persists an incoming reading, assigning an ID
// and timestamp when the sender omitted them. The stored record is returned
// so callers can echo the assigned ID.
func (s *AuditService) SubmitReading(ctx context.Context, reading models.TelemetryRecord) (models.TelemetryRecord, error) {
	if reading.FacilityID == "" {
		return models.TelemetryRecord{}, fmt.Errorf("%w: facility id is required", ErrInvalidReading)
	}
	if reading.EnergyKwh < 0 {
		return models.TelemetryRecord{}, fmt.Errorf("%w: energy_kwh must not be negative", ErrInvalidReading)
	}
	if reading.ID == "" {
		reading.ID = uuid.NewString()
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	if err := s.store.SaveReading(ctx, reading); err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("save reading: %w", err)
	}

	s.logger.Info("reading accepted",
		"telemetry_id", reading.ID,
		"facility_id", reading.FacilityID,
		"energy_kwh", reading.EnergyKwh)
	return reading, nil
}

// ProcessReading runs the audit pipeline for a stored reading and returns
// the persisted verdict. Missing facility rules are not fatal: the pipeline
// degrades to a system-error verdict so the reading is never dropped
// unaudited.
func (s *AuditService) ProcessReading(ctx context.Context, telemetryID string) (models.AuditVerdict, error) {
	start := time.Now()

	reading, err := s.store.GetReading(ctx, telemetryID)
	if err != nil {
		return models.AuditVerdict{}, fmt.Errorf("load reading %s: %w", telemetryID, err)
	}

	rules, err := s.store.GetFacilityRules(ctx, reading.FacilityID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return models.AuditVerdict{}, fmt.Errorf("load rules for facility %s: %w", reading.FacilityID, err)
		}
		s.logger.Warn("no rules registered for facility",
			"facility_id", reading.FacilityID,
			"telemetry_id", telemetryID)
		rules = models.FacilityRules{FacilityID: reading.FacilityID}
	}

	history, err := s.store.RecentReadings(ctx, reading.FacilityID, reading.Timestamp, s.baselineWindow)
	if err != nil {
		s.logger.Warn("baseline history unavailable",
			"facility_id", reading.FacilityID,
			"error", err)
		history = nil
	}

	verdict, err := s.pipeline.Run(ctx, reading, rules, history)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveAudit(duration, metrics.OutcomeFailed, "none")
		return models.AuditVerdict{}, fmt.Errorf("audit reading %s: %w", telemetryID, err)
	}

	outcome := metrics.OutcomeCompleted
	if verdict.Reasoning == engine.SystemErrorReasoning {
		outcome = metrics.OutcomeSystemError
	}
	metrics.ObserveAudit(duration, outcome, verdict.Severity)

	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("audit latency",
			"p95_ms", p95.Milliseconds(),
			"samples", count)
	}

	return verdict, nil
}

// GetVerdict returns one verdict by ID.
func (s *AuditService) GetVerdict(ctx context.Context, id string) (models.AuditVerdict, error) {
	return s.store.GetVerdict(ctx, id)
}

// ListVerdicts returns verdict history matching the filter, newest first.
func (s *AuditService) ListVerdicts(ctx context.Context, filter models.VerdictFilter) ([]models.AuditVerdict, error) {
	return s.store.ListVerdicts(ctx, filter)
}

// UpsertFacilityRules replaces the reference data for a facility.
func (s *AuditService) UpsertFacilityRules(ctx context.Context, rules models.FacilityRules) error {
	if rules.FacilityID == "" {
		return fmt.Errorf("%w: facility id is required", ErrInvalidRules)
	}
	if rules.MaxLoadKwh <= 0 {
		return fmt.Errorf("%w: max_load_kwh must be positive", ErrInvalidRules)
	}
	if rules.UpdatedAt.IsZero() {
		rules.UpdatedAt = time.Now().UTC()
	}
	return s.store.UpsertFacilityRules(ctx, rules)
}

// SetHumanAction records the reviewer's decision on a verdict. Each verdict
// accepts exactly one action.
func (s *AuditService) SetHumanAction(ctx context.Context, verdictID string, action models.HumanAction) error {
	if !models.ValidHumanAction(action) {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if err := s.store.SetHumanAction(ctx, verdictID, action); err != nil {
		return err
	}

	metrics.ObserveHumanAction(action)
	s.logger.Info("human action recorded",
		"verdict_id", verdictID,
		"action", string(action))
	return nil
}

// FacilityPatterns mines recurring suspicion flags from the facility's
// verdict history. Results advise reviewers only; they never feed back into
// classification.
func (s *AuditService) FacilityPatterns(ctx context.Context, facilityID string) ([]models.FlagPattern, error) {
	cacheKey := ""
	if s.patternsTTL > 0 {
		cacheKey = cacheFacilityPatternsKey(facilityID)
		if data, err := s.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.FlagPattern
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	verdicts, err := s.store.ListVerdicts(ctx, models.VerdictFilter{
		FacilityID: facilityID,
		Limit:      patternHistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("load verdict history for %s: %w", facilityID, err)
	}

	mined := s.miner.Mine(verdicts)

	if s.patternsTTL > 0 && cacheKey != "" && len(mined) > 0 {
		if payload, err := json.Marshal(mined); err == nil {
			_ = s.cache.Set(ctx, cacheKey, payload, s.patternsTTL)
		}
	}

	return mined, nil
}

// LatencyP95 reports the observed 95th percentile audit latency.
func (s *AuditService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func cacheFacilityPatternsKey(facilityID string) string {
	return fmt.Sprintf("audit:patterns:%s", facilityID)
}
