package models

import "time"

// Severity classifies a reading's audit risk. The three values form a total
// order: VERIFIED < WARNING < ANOMALY.
type Severity string

const (
	SeverityVerified Severity = "VERIFIED"
	SeverityWarning  Severity = "WARNING"
	SeverityAnomaly  Severity = "ANOMALY"
)

// Verdict sources.
const (
	SourceRuleClassifier = "rule_classifier"
	SourceAIClassifier   = "ai_classifier"
)

// ClassifierVerdict is the output of a single classification stage.
type ClassifierVerdict struct {
	Severity   Severity `json:"severity"`
	Confidence int      `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Source     string   `json:"source"`
}

// HumanAction is the reviewer's terminal decision on a verdict.
type HumanAction string

const (
	ActionApproved HumanAction = "APPROVED"
	ActionFlagged  HumanAction = "FLAGGED"
)

// ValidHumanAction reports whether a is one of the reviewer actions.
func ValidHumanAction(a HumanAction) bool {
	return a == ActionApproved || a == ActionFlagged
}

// Trace entry levels.
const (
	TraceInfo    = "info"
	TraceWarning = "warning"
	TraceError   = "error"
)

// TraceEntry is one append-only line of the audit trail. Entries keep
// execution order and are never reordered or dropped.
type TraceEntry struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// AuditState names the orchestrator's position in processing one reading.
type AuditState string

const (
	StateIngested     AuditState = "INGESTED"
	StateEnriching    AuditState = "ENRICHING"
	StateRuleChecked  AuditState = "RULE_CHECKED"
	StateAIClassified AuditState = "AI_CLASSIFIED"
	StateReconciled   AuditState = "RECONCILED"
	StatePersisted    AuditState = "PERSISTED"
	StateNotified     AuditState = "NOTIFIED"
)

// AuditVerdict is the final, persisted result of auditing one reading.
// Created exactly once per processed TelemetryRecord; HumanAction is the
// only field a reviewer may later set, exactly once.
type AuditVerdict struct {
	ID              string       `json:"id"`
	TelemetryID     string       `json:"telemetryId"`
	FacilityID      string       `json:"facilityId"`
	Severity        Severity     `json:"severity"`
	Confidence      int          `json:"confidence"`
	Reasoning       string       `json:"reasoning"`
	Flags           []string     `json:"flags,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	Trace           []TraceEntry `json:"trace"`
	HumanAction     HumanAction  `json:"humanAction,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// VerdictFilter bounds a verdict history query.
type VerdictFilter struct {
	FacilityID string
	Severity   Severity
	Since      time.Time
	Until      time.Time
	Limit      int
}
