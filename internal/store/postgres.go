package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/gridsentry/gridsentry-audit/internal/config"
	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_readings (
	id           TEXT PRIMARY KEY,
	facility_id  TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	energy_kwh   DOUBLE PRECISION NOT NULL,
	voltage      DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_amps DOUBLE PRECISION NOT NULL DEFAULT 0,
	power_watts  DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_payload  JSONB
);
CREATE INDEX IF NOT EXISTS idx_readings_facility_ts ON telemetry_readings (facility_id, ts DESC);

CREATE TABLE IF NOT EXISTS facility_rules (
	facility_id               TEXT PRIMARY KEY,
	max_load_kwh              DOUBLE PRECISION NOT NULL,
	baseline_carbon_intensity DOUBLE PRECISION NOT NULL DEFAULT 0,
	lat                       DOUBLE PRECISION NOT NULL DEFAULT 0,
	lon                       DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at                TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_verdicts (
	id              TEXT PRIMARY KEY,
	telemetry_id    TEXT NOT NULL,
	facility_id     TEXT NOT NULL,
	severity        TEXT NOT NULL CHECK (severity IN ('VERIFIED', 'WARNING', 'ANOMALY')),
	confidence      INTEGER NOT NULL,
	reasoning       TEXT NOT NULL,
	flags           JSONB,
	recommendations JSONB,
	trace           JSONB NOT NULL,
	human_action    TEXT CHECK (human_action IN ('APPROVED', 'FLAGGED')),
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_facility_created ON audit_verdicts (facility_id, created_at DESC);
`

// PostgresStore implements Store on PostgreSQL via sqlx and the pgx driver.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	if err != nil {
		return nil, utils.NewAppError("store.connect", "open postgres pool", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &PostgresStore{db: db, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newPostgresStoreWithDB wires an existing connection, used by tests.
func newPostgresStoreWithDB(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type readingRow struct {
	ID          string    `db:"id"`
	FacilityID  string    `db:"facility_id"`
	Timestamp   time.Time `db:"ts"`
	EnergyKwh   float64   `db:"energy_kwh"`
	Voltage     float64   `db:"voltage"`
	CurrentAmps float64   `db:"current_amps"`
	PowerWatts  float64   `db:"power_watts"`
	RawPayload  []byte    `db:"raw_payload"`
}

func (r readingRow) toModel() (models.TelemetryRecord, error) {
	record := models.TelemetryRecord{
		ID:          r.ID,
		FacilityID:  r.FacilityID,
		Timestamp:   r.Timestamp,
		EnergyKwh:   r.EnergyKwh,
		Voltage:     r.Voltage,
		CurrentAmps: r.CurrentAmps,
		PowerWatts:  r.PowerWatts,
	}
	if len(r.RawPayload) > 0 {
		if err := json.Unmarshal(r.RawPayload, &record.RawPayload); err != nil {
			return models.TelemetryRecord{}, fmt.Errorf("decode raw payload: %w", err)
		}
	}
	return record, nil
}

// SaveReading stores one telemetry record. Saving the same ID twice is an
// upsert so redelivered ingest messages stay idempotent.
func (s *PostgresStore) SaveReading(ctx context.Context, reading models.TelemetryRecord) error {
	var payload []byte
	if reading.RawPayload != nil {
		var err error
		payload, err = json.Marshal(reading.RawPayload)
		if err != nil {
			return fmt.Errorf("encode raw payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_readings (id, facility_id, ts, energy_kwh, voltage, current_amps, power_watts, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			facility_id = EXCLUDED.facility_id,
			ts = EXCLUDED.ts,
			energy_kwh = EXCLUDED.energy_kwh,
			voltage = EXCLUDED.voltage,
			current_amps = EXCLUDED.current_amps,
			power_watts = EXCLUDED.power_watts,
			raw_payload = EXCLUDED.raw_payload`,
		reading.ID, reading.FacilityID, reading.Timestamp.UTC(), reading.EnergyKwh,
		reading.Voltage, reading.CurrentAmps, reading.PowerWatts, payload)
	if err != nil {
		return fmt.Errorf("save reading: %w", err)
	}
	return nil
}

// GetReading fetches one reading by ID.
func (s *PostgresStore) GetReading(ctx context.Context, id string) (models.TelemetryRecord, error) {
	var row readingRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, facility_id, ts, energy_kwh, voltage, current_amps, power_watts, raw_payload
		FROM telemetry_readings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TelemetryRecord{}, ErrNotFound
		}
		return models.TelemetryRecord{}, fmt.Errorf("get reading: %w", err)
	}
	return row.toModel()
}

// RecentReadings returns the facility's readings strictly before the given
// time, newest first.
func (s *PostgresStore) RecentReadings(ctx context.Context, facilityID string, before time.Time, limit int) ([]models.TelemetryRecord, error) {
	var rows []readingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, facility_id, ts, energy_kwh, voltage, current_amps, power_watts, raw_payload
		FROM telemetry_readings
		WHERE facility_id = $1 AND ts < $2
		ORDER BY ts DESC
		LIMIT $3`, facilityID, before.UTC(), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent readings: %w", err)
	}

	records := make([]models.TelemetryRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

type rulesRow struct {
	FacilityID              string    `db:"facility_id"`
	MaxLoadKwh              float64   `db:"max_load_kwh"`
	BaselineCarbonIntensity float64   `db:"baseline_carbon_intensity"`
	Lat                     float64   `db:"lat"`
	Lon                     float64   `db:"lon"`
	UpdatedAt               time.Time `db:"updated_at"`
}

// GetFacilityRules fetches the contract parameters for one facility.
func (s *PostgresStore) GetFacilityRules(ctx context.Context, facilityID string) (models.FacilityRules, error) {
	var row rulesRow
	err := s.db.GetContext(ctx, &row, `
		SELECT facility_id, max_load_kwh, baseline_carbon_intensity, lat, lon, updated_at
		FROM facility_rules WHERE facility_id = $1`, facilityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.FacilityRules{}, ErrNotFound
		}
		return models.FacilityRules{}, fmt.Errorf("get facility rules: %w", err)
	}
	return models.FacilityRules{
		FacilityID:              row.FacilityID,
		MaxLoadKwh:              row.MaxLoadKwh,
		BaselineCarbonIntensity: row.BaselineCarbonIntensity,
		Location:                models.Location{Lat: row.Lat, Lon: row.Lon},
		UpdatedAt:               row.UpdatedAt,
	}, nil
}

// UpsertFacilityRules creates or replaces a facility's contract parameters.
func (s *PostgresStore) UpsertFacilityRules(ctx context.Context, rules models.FacilityRules) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facility_rules (facility_id, max_load_kwh, baseline_carbon_intensity, lat, lon, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (facility_id) DO UPDATE SET
			max_load_kwh = EXCLUDED.max_load_kwh,
			baseline_carbon_intensity = EXCLUDED.baseline_carbon_intensity,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			updated_at = EXCLUDED.updated_at`,
		rules.FacilityID, rules.MaxLoadKwh, rules.BaselineCarbonIntensity,
		rules.Location.Lat, rules.Location.Lon, rules.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert facility rules: %w", err)
	}
	return nil
}

type verdictRow struct {
	ID              string         `db:"id"`
	TelemetryID     string         `db:"telemetry_id"`
	FacilityID      string         `db:"facility_id"`
	Severity        string         `db:"severity"`
	Confidence      int            `db:"confidence"`
	Reasoning       string         `db:"reasoning"`
	Flags           []byte         `db:"flags"`
	Recommendations []byte         `db:"recommendations"`
	Trace           []byte         `db:"trace"`
	HumanAction     sql.NullString `db:"human_action"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (r verdictRow) toModel() (models.AuditVerdict, error) {
	verdict := models.AuditVerdict{
		ID:          r.ID,
		TelemetryID: r.TelemetryID,
		FacilityID:  r.FacilityID,
		Severity:    models.Severity(r.Severity),
		Confidence:  r.Confidence,
		Reasoning:   r.Reasoning,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Flags) > 0 {
		if err := json.Unmarshal(r.Flags, &verdict.Flags); err != nil {
			return models.AuditVerdict{}, fmt.Errorf("decode flags: %w", err)
		}
	}
	if len(r.Recommendations) > 0 {
		if err := json.Unmarshal(r.Recommendations, &verdict.Recommendations); err != nil {
			return models.AuditVerdict{}, fmt.Errorf("decode recommendations: %w", err)
		}
	}
	if len(r.Trace) > 0 {
		if err := json.Unmarshal(r.Trace, &verdict.Trace); err != nil {
			return models.AuditVerdict{}, fmt.Errorf("decode trace: %w", err)
		}
	}
	if r.HumanAction.Valid {
		verdict.HumanAction = models.HumanAction(r.HumanAction.String)
	}
	return verdict, nil
}

// CreateAuditVerdict stores one verdict and returns its ID.
func (s *PostgresStore) CreateAuditVerdict(ctx context.Context, verdict models.AuditVerdict) (string, error) {
	flags, err := json.Marshal(verdict.Flags)
	if err != nil {
		return "", fmt.Errorf("encode flags: %w", err)
	}
	recommendations, err := json.Marshal(verdict.Recommendations)
	if err != nil {
		return "", fmt.Errorf("encode recommendations: %w", err)
	}
	trace, err := json.Marshal(verdict.Trace)
	if err != nil {
		return "", fmt.Errorf("encode trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_verdicts (id, telemetry_id, facility_id, severity, confidence, reasoning, flags, recommendations, trace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		verdict.ID, verdict.TelemetryID, verdict.FacilityID, string(verdict.Severity),
		verdict.Confidence, verdict.Reasoning, flags, recommendations, trace, verdict.CreatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("create verdict: %w", err)
	}
	return verdict.ID, nil
}

// GetVerdict fetches one verdict by ID.
func (s *PostgresStore) GetVerdict(ctx context.Context, id string) (models.AuditVerdict, error) {
	var row verdictRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, telemetry_id, facility_id, severity, confidence, reasoning, flags, recommendations, trace, human_action, created_at
		FROM audit_verdicts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AuditVerdict{}, ErrNotFound
		}
		return models.AuditVerdict{}, fmt.Errorf("get verdict: %w", err)
	}
	return row.toModel()
}

// ListVerdicts returns verdicts matching the filter, newest first.
func (s *PostgresStore) ListVerdicts(ctx context.Context, filter models.VerdictFilter) ([]models.AuditVerdict, error) {
	query := `
		SELECT id, telemetry_id, facility_id, severity, confidence, reasoning, flags, recommendations, trace, human_action, created_at
		FROM audit_verdicts WHERE 1=1`
	args := make([]any, 0, 5)

	if filter.FacilityID != "" {
		args = append(args, filter.FacilityID)
		query += fmt.Sprintf(" AND facility_id = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until.UTC())
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var rows []verdictRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}

	verdicts := make([]models.AuditVerdict, 0, len(rows))
	for _, row := range rows {
		verdict, err := row.toModel()
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, verdict)
	}
	return verdicts, nil
}

// SetHumanAction records the reviewer decision for a verdict exactly once.
func (s *PostgresStore) SetHumanAction(ctx context.Context, id string, action models.HumanAction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_verdicts SET human_action = $2
		WHERE id = $1 AND human_action IS NULL`, id, string(action))
	if err != nil {
		return fmt.Errorf("set human action: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set human action: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Zero rows touched: the verdict is missing or the action is taken.
	var existing sql.NullString
	err = s.db.GetContext(ctx, &existing, `SELECT human_action FROM audit_verdicts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("set human action: %w", err)
	}
	if existing.Valid {
		return ErrActionAlreadySet
	}
	return ErrNotFound
}
