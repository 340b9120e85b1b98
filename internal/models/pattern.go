package models

import "time"

// FlagPattern is a recurring suspicion flag mined from a facility's verdict
// history, ranked by prevalence for reviewer dashboards.
type FlagPattern struct {
	Flag          string    `json:"flag"`
	Count         int       `json:"count"`
	Prevalence    float64   `json:"prevalence"`
	LastSeen      time.Time `json:"lastSeen"`
	AvgConfidence float64   `json:"avgConfidence"`
}
