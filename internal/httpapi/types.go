// Package httpapi serves the persisted tournament artifacts over a read-only
// JSON API, together with health and Prometheus endpoints.
package httpapi

import (
	"time"

	"finpod/internal/domain"
)

// DatesResponse lists the analysis dates that have artifacts, newest first.
type DatesResponse struct {
	Dates []string `json:"dates"`
}

// DayResponse holds every record persisted for one analysis date, ordered
// by symbol then timeframe.
type DayResponse struct {
	Date    string                    `json:"date"`
	Count   int                       `json:"count"`
	Records []domain.TournamentRecord `json:"records"`
}

// SummaryJSON is the condensed view of one record used by the day listing
// when ?view=summary is requested.
type SummaryJSON struct {
	Symbol     string           `json:"symbol"`
	Timeframe  domain.Timeframe `json:"timeframe"`
	Winner     string           `json:"winner"`
	Confidence float64          `json:"confidence"`
	Position   domain.Position  `json:"position"`
	EntryPrice float64          `json:"entry_price"`
}

// SummaryResponse is the ?view=summary form of DayResponse.
type SummaryResponse struct {
	Date    string        `json:"date"`
	Count   int           `json:"count"`
	Records []SummaryJSON `json:"records"`
}

// AuditEntryJSON is one selector exchange from the audit log.
type AuditEntryJSON struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Provider   string    `json:"provider"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// AuditResponse wraps the most recent audit entries.
type AuditResponse struct {
	Entries []AuditEntryJSON `json:"entries"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}
