package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

// MemoryStore is the in-process Store used when no database is configured.
// Safe for concurrent use. Contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string]models.TelemetryRecord
	rules    map[string]models.FacilityRules
	verdicts map[string]models.AuditVerdict
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings: make(map[string]models.TelemetryRecord),
		rules:    make(map[string]models.FacilityRules),
		verdicts: make(map[string]models.AuditVerdict),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// SaveReading stores one telemetry record, replacing any prior record with
// the same ID.
func (s *MemoryStore) SaveReading(ctx context.Context, reading models.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[reading.ID] = copyReading(reading)
	return nil
}

// GetReading fetches one reading by ID.
func (s *MemoryStore) GetReading(ctx context.Context, id string) (models.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reading, ok := s.readings[id]
	if !ok {
		return models.TelemetryRecord{}, ErrNotFound
	}
	return copyReading(reading), nil
}

// RecentReadings returns the facility's readings strictly before the given
// time, newest first.
func (s *MemoryStore) RecentReadings(ctx context.Context, facilityID string, before time.Time, limit int) ([]models.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.TelemetryRecord, 0)
	for _, reading := range s.readings {
		if reading.FacilityID == facilityID && reading.Timestamp.Before(before) {
			matched = append(matched, copyReading(reading))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit = normalizeLimit(limit)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetFacilityRules fetches the contract parameters for one facility.
func (s *MemoryStore) GetFacilityRules(ctx context.Context, facilityID string) (models.FacilityRules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules, ok := s.rules[facilityID]
	if !ok {
		return models.FacilityRules{}, ErrNotFound
	}
	return rules, nil
}

// UpsertFacilityRules creates or replaces a facility's contract parameters.
func (s *MemoryStore) UpsertFacilityRules(ctx context.Context, rules models.FacilityRules) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rules.FacilityID] = rules
	return nil
}

// CreateAuditVerdict stores one verdict and returns its ID.
func (s *MemoryStore) CreateAuditVerdict(ctx context.Context, verdict models.AuditVerdict) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[verdict.ID] = copyVerdict(verdict)
	return verdict.ID, nil
}

// GetVerdict fetches one verdict by ID.
func (s *MemoryStore) GetVerdict(ctx context.Context, id string) (models.AuditVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	verdict, ok := s.verdicts[id]
	if !ok {
		return models.AuditVerdict{}, ErrNotFound
	}
	return copyVerdict(verdict), nil
}

// ListVerdicts returns verdicts matching the filter, newest first.
func (s *MemoryStore) ListVerdicts(ctx context.Context, filter models.VerdictFilter) ([]models.AuditVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.AuditVerdict, 0)
	for _, verdict := range s.verdicts {
		if filter.FacilityID != "" && verdict.FacilityID != filter.FacilityID {
			continue
		}
		if filter.Severity != "" && verdict.Severity != filter.Severity {
			continue
		}
		if !filter.Since.IsZero() && verdict.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && verdict.CreatedAt.After(filter.Until) {
			continue
		}
		matched = append(matched, copyVerdict(verdict))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := normalizeLimit(filter.Limit)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SetHumanAction records the reviewer decision for a verdict exactly once.
func (s *MemoryStore) SetHumanAction(ctx context.Context, id string, action models.HumanAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	verdict, ok := s.verdicts[id]
	if !ok {
		return ErrNotFound
	}
	if verdict.HumanAction != "" {
		return ErrActionAlreadySet
	}
	verdict.HumanAction = action
	s.verdicts[id] = verdict
	return nil
}

func copyReading(r models.TelemetryRecord) models.TelemetryRecord {
	if r.RawPayload != nil {
		payload := make(map[string]any, len(r.RawPayload))
		for k, v := range r.RawPayload {
			payload[k] = v
		}
		r.RawPayload = payload
	}
	return r
}

func copyVerdict(v models.AuditVerdict) models.AuditVerdict {
	v.Flags = append([]string(nil), v.Flags...)
	v.Recommendations = append([]string(nil), v.Recommendations...)
	v.Trace = append([]models.TraceEntry(nil), v.Trace...)
	return v
}
