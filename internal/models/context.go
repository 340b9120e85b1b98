package models

// Provenance marks whether a context field came from a live provider or the
// deterministic synthetic fallback.
type Provenance string

const (
	ProvenanceAPI       Provenance = "api"
	ProvenanceSynthetic Provenance = "synthetic"
)

// SourceProvenance records provenance per lookup source.
type SourceProvenance struct {
	Weather Provenance `json:"weather"`
	Grid    Provenance `json:"grid"`
}

// ContextSnapshot carries the environmental signals for one reading. It is
// derived and ephemeral; it survives only through the audit trace. Every
// field is always populated, falling back to synthetic values when a live
// source is unavailable.
type ContextSnapshot struct {
	TemperatureC        float64          `json:"temperatureC"`
	WeatherCondition    string           `json:"weatherCondition"`
	HumidityPct         float64          `json:"humidityPct"`
	GridCarbonIntensity float64          `json:"gridCarbonIntensity"`
	Provenance          SourceProvenance `json:"sourceProvenance"`
}

// BaselineStats summarises a facility's recent consumption history.
type BaselineStats struct {
	MeanKwh   float64 `json:"meanKwh"`
	StdDevKwh float64 `json:"stdDevKwh"`
	Deviation float64 `json:"deviation"`
	Samples   int     `json:"samples"`
}
