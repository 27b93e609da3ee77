package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// Phase tags an execution log entry with the cycle stage that produced it.
type Phase string

const (
	PhaseSense                 Phase = "sense"
	PhaseThink                 Phase = "think"
	PhaseGuard                 Phase = "guard"
	PhaseAct                   Phase = "act"
	PhaseLearn                 Phase = "learn"
	PhaseGuardrailIntervention Phase = "guardrail_intervention"
	PhaseUnknown               Phase = "unknown"
)

// CyclePhases is the fixed order of one cycle.
var CyclePhases = []Phase{PhaseSense, PhaseThink, PhaseGuard, PhaseAct, PhaseLearn}

// ParsePhase maps a stored value to a Phase.
func ParsePhase(s string) Phase {
	switch p := Phase(strings.ToLower(strings.TrimSpace(s))); p {
	case PhaseSense, PhaseThink, PhaseGuard, PhaseAct, PhaseLearn, PhaseGuardrailIntervention:
		return p
	default:
		return PhaseUnknown
	}
}

// LogStatus is the status of one execution log entry.
type LogStatus string

const (
	LogRunning   LogStatus = "running"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogUnknown   LogStatus = "unknown"
)

// ParseLogStatus maps a stored value to a LogStatus.
func ParseLogStatus(s string) LogStatus {
	switch st := LogStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case LogRunning, LogCompleted, LogFailed:
		return st
	default:
		return LogUnknown
	}
}

// ExecutionLogEntry is an append-only record of a phase, a dispatch or a
// guardrail intervention.
//
// Phase summary entries carry a CycleID and no DecisionID. Dispatch entries
// (phase act) and interventions carry the DecisionID they refer to.
type ExecutionLogEntry struct {
	ID               string         `json:"id"`
	CompanyID        string         `json:"company_id"`
	Department       DepartmentType `json:"department"`
	CycleID          string         `json:"cycle_id,omitempty"`
	DecisionID       string         `json:"decision_id,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	Phase            Phase          `json:"phase"`
	Status           LogStatus      `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	DurationMs       int64          `json:"duration_ms"`
	ContentGenerated int            `json:"content_generated"`
	ContentApproved  int            `json:"content_approved"`
	ContentRejected  int            `json:"content_rejected"`
	CreditsConsumed  int64          `json:"credits_consumed"`
	Rule             string         `json:"rule,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ExecutionStatus is the outcome of a single dispatch.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	// ExecutionBlocked means the budget pre-flight turned the decision into blocked.
	ExecutionBlocked ExecutionStatus = "blocked"
)

// ExecutionResult is returned by the Execution Dispatcher.
type ExecutionResult struct {
	DecisionID       string          `json:"decision_id"`
	Status           ExecutionStatus `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	CreditsConsumed  int64           `json:"credits_consumed"`
	DurationMs       int64           `json:"duration_ms"`
	ContentGenerated int             `json:"content_generated"`
	// Engagement is nil when the outcome cannot be measured yet.
	Engagement   *float64 `json:"engagement,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}
