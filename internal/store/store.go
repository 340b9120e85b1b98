// Package store persists telemetry readings, facility rules, and audit
// verdicts. Two implementations exist: Postgres for production and an
// in-memory store used when no database is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActionAlreadySet is returned when a reviewer action was already
	// recorded for a verdict. Actions are exactly-once.
	ErrActionAlreadySet = errors.New("human action already set")
)

// Store is the persistence boundary of the audit engine. Single-record
// operations are atomic.
type Store interface {
	SaveReading(ctx context.Context, reading models.TelemetryRecord) error
	GetReading(ctx context.Context, id string) (models.TelemetryRecord, error)
	// RecentReadings returns up to limit readings for the facility strictly
	// before the given time, newest first.
	RecentReadings(ctx context.Context, facilityID string, before time.Time, limit int) ([]models.TelemetryRecord, error)

	GetFacilityRules(ctx context.Context, facilityID string) (models.FacilityRules, error)
	UpsertFacilityRules(ctx context.Context, rules models.FacilityRules) error

	CreateAuditVerdict(ctx context.Context, verdict models.AuditVerdict) (string, error)
	GetVerdict(ctx context.Context, id string) (models.AuditVerdict, error)
	ListVerdicts(ctx context.Context, filter models.VerdictFilter) ([]models.AuditVerdict, error)
	SetHumanAction(ctx context.Context, id string, action models.HumanAction) error

	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
