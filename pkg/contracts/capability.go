package contracts

import (
	"fmt"
	"strings"
	"time"
)

// CapabilityStatus is the lifecycle state of a Capability.
type CapabilityStatus string

const (
	CapabilityProposed   CapabilityStatus = "proposed"
	CapabilityTrial      CapabilityStatus = "trial"
	CapabilityActive     CapabilityStatus = "active"
	CapabilityDeprecated CapabilityStatus = "deprecated"
	CapabilityUnknown    CapabilityStatus = "unknown"
)

// ParseCapabilityStatus maps a stored value to a CapabilityStatus.
func ParseCapabilityStatus(s string) CapabilityStatus {
	switch st := CapabilityStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case CapabilityProposed, CapabilityTrial, CapabilityActive, CapabilityDeprecated:
		return st
	default:
		return CapabilityUnknown
	}
}

// IsActive is true iff the capability may be used by the Decision Engine.
func (s CapabilityStatus) IsActive() bool {
	return s == CapabilityTrial || s == CapabilityActive
}

// CanTransition enforces the lifecycle graph:
// proposed->trial, proposed->deprecated, trial->active, trial->deprecated.
func (s CapabilityStatus) CanTransition(next CapabilityStatus) bool {
	switch s {
	case CapabilityProposed:
		return next == CapabilityTrial || next == CapabilityDeprecated
	case CapabilityTrial:
		return next == CapabilityActive || next == CapabilityDeprecated
	default:
		return false
	}
}

// CapabilitySource records who introduced a capability.
type CapabilitySource string

const (
	SourceSystem     CapabilitySource = "system"
	SourceAIProposed CapabilitySource = "ai_proposed"
)

// GapEvidence is the structured tally justifying a capability proposal.
type GapEvidence struct {
	UnmappedAgentInvocations map[string]int `json:"unmapped_agent_invocations,omitempty"`
	RecurringBlocked         map[string]int `json:"recurring_blocked,omitempty"`
	UnhandledSignals         map[string]int `json:"unhandled_signals,omitempty"`
	UnmetPatterns            map[string]int `json:"unmet_patterns,omitempty"`
	WindowStart              time.Time      `json:"window_start"`
	WindowEnd                time.Time      `json:"window_end"`
}

// Total returns the sum of every tally.
func (g GapEvidence) Total() int {
	n := 0
	for _, m := range []map[string]int{g.UnmappedAgentInvocations, g.RecurringBlocked, g.UnhandledSignals, g.UnmetPatterns} {
		for _, c := range m {
			n += c
		}
	}
	return n
}

// Validate rejects empty or negative tallies.
func (g GapEvidence) Validate() error {
	for name, m := range map[string]map[string]int{
		"unmapped_agent_invocations": g.UnmappedAgentInvocations,
		"recurring_blocked":          g.RecurringBlocked,
		"unhandled_signals":          g.UnhandledSignals,
		"unmet_patterns":             g.UnmetPatterns,
	} {
		for k, c := range m {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("gap_evidence: empty key in %s", name)
			}
			if c < 0 {
				return fmt.Errorf("gap_evidence: negative count for %s[%s]", name, k)
			}
		}
	}
	if g.Total() == 0 {
		return fmt.Errorf("gap_evidence: no gaps recorded")
	}
	return nil
}

// Capability is a skill a department's autopilot may use.
type Capability struct {
	ID          string           `json:"id"`
	CompanyID   string           `json:"company_id"`
	Department  DepartmentType   `json:"department"`
	Code        string           `json:"capability_code"`
	Family      string           `json:"family"`
	Version     string           `json:"version"`
	Name        string           `json:"display_name"`
	Description string           `json:"description"`
	Status      CapabilityStatus `json:"status"`
	IsActive    bool             `json:"is_active"`
	Source      CapabilitySource `json:"source"`

	// What the capability does once active.
	DecisionType     string    `json:"decision_type"`
	AgentID          string    `json:"agent_id"`
	SignalCategories []string  `json:"signal_categories,omitempty"`
	TriggerExpr      string    `json:"trigger_expr,omitempty"`
	RiskLevel        RiskLevel `json:"risk_level"`

	ProposedReason string       `json:"proposed_reason,omitempty"`
	GapEvidence    *GapEvidence `json:"gap_evidence,omitempty"`
	TrialExpiresAt *time.Time   `json:"trial_expires_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Covers reports whether the capability handles signals of the given category.
func (c *Capability) Covers(category string) bool {
	for _, sc := range c.SignalCategories {
		if strings.EqualFold(sc, category) {
			return true
		}
	}
	return false
}
