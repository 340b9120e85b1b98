package models

import "time"

// TelemetryRecord is one sensor reading from a facility meter. Records are
// immutable once ingested; the audit pipeline only ever reads them.
type TelemetryRecord struct {
	ID          string         `json:"id"`
	FacilityID  string         `json:"facilityId"`
	Timestamp   time.Time      `json:"timestamp"`
	EnergyKwh   float64        `json:"energyKwh"`
	Voltage     float64        `json:"voltage"`
	CurrentAmps float64        `json:"currentAmps"`
	PowerWatts  float64        `json:"powerWatts"`
	RawPayload  map[string]any `json:"rawPayload,omitempty"`
}

// Location is a facility's geographic position used for context lookups.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FacilityRules holds per-facility reference data: the contractual load
// ceiling and the baseline carbon intensity of the local grid. Updated
// out-of-band; read by the enricher and classifiers.
type FacilityRules struct {
	FacilityID              string    `json:"facilityId"`
	MaxLoadKwh              float64   `json:"maxLoadKwh"`
	BaselineCarbonIntensity float64   `json:"baselineCarbonIntensity"`
	Location                Location  `json:"location"`
	UpdatedAt               time.Time `json:"updatedAt"`
}
