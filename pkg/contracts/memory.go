package contracts

import (
	"strings"
	"time"
)

// OutcomeEvaluation grades an executed decision.
type OutcomeEvaluation string

const (
	OutcomePending  OutcomeEvaluation = "pending"
	OutcomePositive OutcomeEvaluation = "positive"
	OutcomeNegative OutcomeEvaluation = "negative"
	OutcomeNeutral  OutcomeEvaluation = "neutral"
	OutcomeUnknown  OutcomeEvaluation = "unknown"
)

// ParseOutcomeEvaluation maps a stored value to an OutcomeEvaluation.
func ParseOutcomeEvaluation(s string) OutcomeEvaluation {
	switch o := OutcomeEvaluation(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomePending, OutcomePositive, OutcomeNegative, OutcomeNeutral:
		return o
	default:
		return OutcomeUnknown
	}
}

// Lesson (a memory entry) records how an executed decision turned out.
type Lesson struct {
	ID           string         `json:"id"`
	CompanyID    string         `json:"company_id"`
	Department   DepartmentType `json:"department"`
	DecisionID   string         `json:"decision_id"`
	DecisionType string         `json:"decision_type"`
	// CapabilityCode is the capability whose decision produced the lesson.
	CapabilityCode string            `json:"capability_code,omitempty"`
	Outcome        OutcomeEvaluation `json:"outcome_evaluation"`
	Score          *float64          `json:"outcome_score,omitempty"`
	Text           string            `json:"lesson"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}
