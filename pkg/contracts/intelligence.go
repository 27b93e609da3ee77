package contracts

import (
	"encoding/json"
	"time"
)

// Signal is one normalised observation extracted from a raw intelligence payload.
type Signal struct {
	Title    string    `json:"title"`
	Summary  string    `json:"summary"`
	Impact   RiskLevel `json:"impact"`
	Category string    `json:"category"`
}

// IntelligenceSignal is an immutable fetch from an external source.
// Newer fetches supersede older ones; records are never mutated in place.
type IntelligenceSignal struct {
	ID             string          `json:"id"`
	CompanyID      string          `json:"company_id"`
	Source         string          `json:"source"`
	RawPayload     json.RawMessage `json:"raw_payload"`
	Signals        []Signal        `json:"signals"`
	RelevanceScore float64         `json:"relevance_score"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// GapObservation is emitted by the Decision Engine when a perceived signal is
// not covered by any active capability.
type GapObservation struct {
	Category    string `json:"category"`
	SignalTitle string `json:"signal_title"`
	Source      string `json:"source,omitempty"`
}
