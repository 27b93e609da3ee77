// Package store persists the governance engine's collections: departments,
// intelligence_cache, decisions, execution_log, capabilities, approvals and
// memory. Every collection is scoped by company and ordered by creation time.
//
// State changes that the engine relies on for safety are compare-and-set:
// a lost race surfaces as a *contracts.TransitionError or ErrConflict instead
// of silently overwriting another writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on duplicate keys and lost compare-and-set races.
	ErrConflict = errors.New("store: conflict")
)

// DepartmentStore holds per-company department configuration.
type DepartmentStore interface {
	CreateDepartment(ctx context.Context, d *contracts.Department) error
	GetDepartment(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.Department, error)
	UpdateDepartment(ctx context.Context, d *contracts.Department) error
	ListDepartments(ctx context.Context, companyID string) ([]*contracts.Department, error)
	// ListAutopilotDepartments returns enabled departments with autopilot on, across companies.
	ListAutopilotDepartments(ctx context.Context) ([]*contracts.Department, error)
}

// IntelligenceFilter selects cached intelligence. Results are newest first.
type IntelligenceFilter struct {
	CompanyID string
	Source    string
	Since     time.Time
	Limit     int
}

// IntelligenceStore is the append-only intelligence_cache collection.
type IntelligenceStore interface {
	AppendSignal(ctx context.Context, s *contracts.IntelligenceSignal) error
	ListSignals(ctx context.Context, f IntelligenceFilter) ([]*contracts.IntelligenceSignal, error)
}

// DecisionFilter selects decisions. Results are newest first.
type DecisionFilter struct {
	CompanyID    string
	Department   contracts.DepartmentType
	DecisionType string
	CycleID      string
	Verdicts     []contracts.Verdict
	// NotActed keeps decisions whose action_taken is still false.
	NotActed bool
	Since    time.Time
	Limit    int
}

// DecisionStore is the decisions collection.
type DecisionStore interface {
	CreateDecision(ctx context.Context, d *contracts.Decision) error
	GetDecision(ctx context.Context, id string) (*contracts.Decision, error)
	// SetVerdict moves a decision from one verdict to another if the stored
	// verdict still equals from and the transition is legal.
	SetVerdict(ctx context.Context, id string, from, to contracts.Verdict) error
	// MarkActionTaken flips action_taken to true exactly once, and only for approved decisions.
	MarkActionTaken(ctx context.Context, id string) error
	FindDecisionByFingerprint(ctx context.Context, companyID, fingerprint string) (*contracts.Decision, error)
	ListDecisions(ctx context.Context, f DecisionFilter) ([]*contracts.Decision, error)
}

// LogFilter selects execution log entries. Results are newest first.
type LogFilter struct {
	CompanyID  string
	Department contracts.DepartmentType
	CycleID    string
	DecisionID string
	Phase      contracts.Phase
	Status     contracts.LogStatus
	// SummaryOnly keeps phase summary entries (no decision reference).
	SummaryOnly bool
	Since       time.Time
	Until       time.Time
	Limit       int
}

// ExecutionLog is the append-only execution_log collection.
type ExecutionLog interface {
	AppendLog(ctx context.Context, e *contracts.ExecutionLogEntry) error
	ListLogs(ctx context.Context, f LogFilter) ([]*contracts.ExecutionLogEntry, error)
	CountLogs(ctx context.Context, f LogFilter) (int, error)
	// SumCredits totals credits consumed by dispatches of a company in [since, until).
	SumCredits(ctx context.Context, companyID string, since, until time.Time) (int64, error)
}

// CapabilityFilter selects capabilities. Results are oldest first.
type CapabilityFilter struct {
	CompanyID  string
	Department contracts.DepartmentType
	Family     string
	Code       string
	Statuses   []contracts.CapabilityStatus
}

// CapabilityStore is the capabilities collection.
type CapabilityStore interface {
	CreateCapability(ctx context.Context, c *contracts.Capability) error
	GetCapability(ctx context.Context, id string) (*contracts.Capability, error)
	ListCapabilities(ctx context.Context, f CapabilityFilter) ([]*contracts.Capability, error)
	// TransitionCapability applies a lifecycle edge. is_active is derived from the new status.
	TransitionCapability(ctx context.Context, id string, from, to contracts.CapabilityStatus, trialExpiresAt *time.Time, at time.Time) error
}

// ApprovalFilter selects approval requests. Results are oldest first.
type ApprovalFilter struct {
	CompanyID    string
	DecisionID   string
	Statuses     []contracts.ApprovalStatus
	Undispatched bool
}

// ApprovalStore is the approvals collection.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *contracts.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]*contracts.ApprovalRequest, error)
	// ResolveApproval moves a pending_review request to approved or rejected exactly once.
	ResolveApproval(ctx context.Context, id string, status contracts.ApprovalStatus, reviewerID string, at time.Time) error
	MarkApprovalDispatched(ctx context.Context, id string, at time.Time) error
}

// LessonFilter selects memory entries. Results are newest first.
type LessonFilter struct {
	CompanyID      string
	Department     contracts.DepartmentType
	DecisionType   string
	CapabilityCode string
	Outcomes       []contracts.OutcomeEvaluation
	Since          time.Time
	Limit          int
}

// LessonStore is the memory collection.
type LessonStore interface {
	CreateLesson(ctx context.Context, l *contracts.Lesson) error
	GetLesson(ctx context.Context, id string) (*contracts.Lesson, error)
	ListLessons(ctx context.Context, f LessonFilter) ([]*contracts.Lesson, error)
	// ResolveLesson grades a pending lesson exactly once.
	ResolveLesson(ctx context.Context, id string, outcome contracts.OutcomeEvaluation, score *float64, text string, at time.Time) error
}

// Store aggregates every collection.
type Store interface {
	DepartmentStore
	IntelligenceStore
	DecisionStore
	ExecutionLog
	CapabilityStore
	ApprovalStore
	LessonStore
}

func containsVerdict(vs []contracts.Verdict, v contracts.Verdict) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func containsCapabilityStatus(ss []contracts.CapabilityStatus, s contracts.CapabilityStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsApprovalStatus(ss []contracts.ApprovalStatus, s contracts.ApprovalStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsOutcome(os []contracts.OutcomeEvaluation, o contracts.OutcomeEvaluation) bool {
	for _, x := range os {
		if x == o {
			return true
		}
	}
	return false
}
