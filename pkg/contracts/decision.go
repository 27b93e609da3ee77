package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verdict is the guardrail outcome for a Decision. The zero value means the
// decision has not been evaluated yet.
type Verdict string

const (
	VerdictUnset            Verdict = ""
	VerdictApproved         Verdict = "approved"
	VerdictBlocked          Verdict = "blocked"
	VerdictRequiresApproval Verdict = "requires_approval"
	VerdictEscalated        Verdict = "escalated"
	VerdictUnknown          Verdict = "unknown"
)

// ParseVerdict maps a stored value to a Verdict. Empty and "null" map to VerdictUnset.
func ParseVerdict(s string) Verdict {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "null":
		return VerdictUnset
	case VerdictApproved, VerdictBlocked, VerdictRequiresApproval, VerdictEscalated:
		return v
	default:
		return VerdictUnknown
	}
}

// Pending reports whether the verdict waits on a human reviewer.
func (v Verdict) Pending() bool {
	return v == VerdictRequiresApproval || v == VerdictEscalated
}

// Severity orders verdicts from least to most restrictive.
func (v Verdict) Severity() int {
	switch v {
	case VerdictApproved:
		return 1
	case VerdictRequiresApproval:
		return 2
	case VerdictEscalated:
		return 3
	case VerdictBlocked:
		return 4
	default:
		return 0
	}
}

// CanTransition reports whether a decision holding v may move to next.
//
//	unset             -> approved | blocked | requires_approval | escalated
//	requires_approval -> approved | blocked   (approval resolution)
//	escalated         -> approved | blocked   (approval resolution)
//	approved          -> blocked              (budget pre-flight before dispatch)
func (v Verdict) CanTransition(next Verdict) bool {
	switch v {
	case VerdictUnset:
		return next == VerdictApproved || next == VerdictBlocked || next.Pending()
	case VerdictRequiresApproval, VerdictEscalated:
		return next == VerdictApproved || next == VerdictBlocked
	case VerdictApproved:
		return next == VerdictBlocked
	default:
		return false
	}
}

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a rejected state change on an entity.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition %q -> %q", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RiskLevel classifies the blast radius of a decision's content.
type RiskLevel string

const (
	RiskUnknown  RiskLevel = "unknown"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// ParseRiskLevel maps a stored value to a RiskLevel.
func ParseRiskLevel(s string) RiskLevel {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := riskRank[r]; ok {
		return r
	}
	return RiskUnknown
}

// Rank orders risk levels; unknown is 0.
func (r RiskLevel) Rank() int { return riskRank[r] }

// Raise returns the next level up, saturating at critical.
func (r RiskLevel) Raise() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	case RiskHigh, RiskCritical:
		return RiskCritical
	default:
		return r
	}
}

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ContentData is the typed payload attached to a Decision and carried into its
// ApprovalRequest. It is validated by the Decision Engine when produced.
type ContentData struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	RiskFactors      []string  `json:"risk_factors,omitempty"`
	EstimatedCredits int64     `json:"estimated_credits"`
	SignalTitle      string    `json:"signal_title,omitempty"`
	SignalCategory   string    `json:"signal_category,omitempty"`
	Summary          string    `json:"summary,omitempty"`
}

// Validate checks the payload produced by a Decision Engine.
func (c ContentData) Validate() error {
	if c.RiskLevel != "" && c.RiskLevel.Rank() == 0 {
		return fmt.Errorf("content_data: unknown risk_level %q", c.RiskLevel)
	}
	if c.EstimatedCredits < 0 {
		return fmt.Errorf("content_data: negative estimated_credits %d", c.EstimatedCredits)
	}
	return nil
}

// Decision is a candidate business action. It is the audit trail and is never deleted.
type Decision struct {
	ID             string         `json:"id"`
	CompanyID      string         `json:"company_id"`
	Department     DepartmentType `json:"department"`
	CycleID        string         `json:"cycle_id,omitempty"`
	DecisionType   string         `json:"decision_type"`
	Description    string         `json:"description"`
	AgentToExecute string         `json:"agent_to_execute,omitempty"`
	CapabilityCode string         `json:"capability_code,omitempty"`
	Content        ContentData    `json:"content_data"`
	Verdict        Verdict        `json:"guardrail_result"`
	ActionTaken    bool           `json:"action_taken"`
	Fingerprint    string         `json:"fingerprint,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
