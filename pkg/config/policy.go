package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// Policy is the governance configuration of the autopilot engine.
// Every numeric threshold the engine uses lives here.
type Policy struct {
	Guardrail    GuardrailPolicy             `yaml:"guardrail" json:"guardrail"`
	Departments  map[string]DepartmentPolicy `yaml:"departments" json:"departments"`
	Agents       []AgentSpec                 `yaml:"agents" json:"agents"`
	Capabilities []CapabilitySeed            `yaml:"capabilities" json:"capabilities"`
	Learning     LearningPolicy              `yaml:"learning" json:"learning"`
	Genesis      GenesisPolicy               `yaml:"genesis" json:"genesis"`
}

// GuardrailPolicy holds the decision table thresholds.
type GuardrailPolicy struct {
	// ApproveHeadroomPct is the budget headroom a low-risk decision needs for auto-approval.
	ApproveHeadroomPct float64 `yaml:"approve_headroom_pct" json:"approve_headroom_pct"`
	// AutoApprovePositiveLessons is how many positive lessons let a medium-risk type through.
	AutoApprovePositiveLessons int `yaml:"auto_approve_positive_lessons" json:"auto_approve_positive_lessons"`
	// DecisionTypeRisk is the baseline risk per decision type.
	DecisionTypeRisk map[string]string `yaml:"decision_type_risk" json:"decision_type_risk"`
	// Rules are CEL expressions that can only tighten a verdict.
	Rules []PolicyRule `yaml:"rules" json:"rules"`
}

// PolicyRule is an extra guardrail rule.
type PolicyRule struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Verdict string `yaml:"verdict" json:"verdict"`
}

// DepartmentPolicy holds per-department defaults applied at onboarding.
type DepartmentPolicy struct {
	RequiredMaturity string `yaml:"required_maturity" json:"required_maturity"`
	DailyCreditCap   int64  `yaml:"daily_credit_cap" json:"daily_credit_cap"`
	// OutcomeBaseline is the content or engagement a completed execution must reach to count as positive.
	OutcomeBaseline float64 `yaml:"outcome_baseline" json:"outcome_baseline"`
}

// AgentSpec registers an agent executor.
type AgentSpec struct {
	ID             string        `yaml:"id" json:"id"`
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	CreditsPerCall int64         `yaml:"credits_per_call" json:"credits_per_call"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// CapabilitySeed is a system capability created at onboarding.
type CapabilitySeed struct {
	Department       string   `yaml:"department" json:"department"`
	Family           string   `yaml:"family" json:"family"`
	Name             string   `yaml:"name" json:"name"`
	Description      string   `yaml:"description" json:"description"`
	DecisionType     string   `yaml:"decision_type" json:"decision_type"`
	AgentID          string   `yaml:"agent_id" json:"agent_id"`
	SignalCategories []string `yaml:"signal_categories" json:"signal_categories"`
	TriggerExpr      string   `yaml:"trigger_expr,omitempty" json:"trigger_expr,omitempty"`
	RiskLevel        string   `yaml:"risk_level" json:"risk_level"`
}

// LearningPolicy tunes how lessons bias future decisions.
type LearningPolicy struct {
	// NegativeStreak consecutive negative lessons raise a decision type's risk one level.
	NegativeStreak int `yaml:"negative_streak" json:"negative_streak"`
	// HistoryWindow is how many recent lessons of a department the engine reads.
	HistoryWindow int `yaml:"history_window" json:"history_window"`
}

// GenesisPolicy tunes capability proposal and trial promotion.
type GenesisPolicy struct {
	TrialDuration        time.Duration `yaml:"trial_duration" json:"trial_duration"`
	PromotionMinPositive int           `yaml:"promotion_min_positive" json:"promotion_min_positive"`
	PromotionMinRatio    float64       `yaml:"promotion_min_ratio" json:"promotion_min_ratio"`
	// MinEvidence is the smallest tally that justifies a proposal.
	MinEvidence int           `yaml:"min_evidence" json:"min_evidence"`
	Window      time.Duration `yaml:"window" json:"window"`
	// DefaultCredits is the estimated cost assigned to proposed capabilities.
	DefaultCredits int64 `yaml:"default_credits" json:"default_credits"`
}

// DefaultPolicy returns a policy that boots the engine without a file.
func DefaultPolicy() *Policy {
	return &Policy{
		Guardrail: GuardrailPolicy{
			ApproveHeadroomPct:         20,
			AutoApprovePositiveLessons: 3,
			DecisionTypeRisk: map[string]string{
				"publish_content":     "low",
				"schedule_post":       "low",
				"launch_campaign":     "medium",
				"lead_followup":       "low",
				"price_adjustment":    "high",
				"invoice_reminder":    "medium",
				"budget_reallocation": "high",
				"contract_review":     "medium",
				"contract_signature":  "critical",
				"hiring_outreach":     "medium",
				"process_automation":  "medium",
			},
		},
		Departments: map[string]DepartmentPolicy{
			string(contracts.DepartmentMarketing):  {RequiredMaturity: "starter", DailyCreditCap: 200, OutcomeBaseline: 1},
			string(contracts.DepartmentSales):      {RequiredMaturity: "starter", DailyCreditCap: 150, OutcomeBaseline: 1},
			string(contracts.DepartmentFinance):    {RequiredMaturity: "growing", DailyCreditCap: 100, OutcomeBaseline: 1},
			string(contracts.DepartmentOperations): {RequiredMaturity: "growing", DailyCreditCap: 100, OutcomeBaseline: 1},
			string(contracts.DepartmentLegal):      {RequiredMaturity: "established", DailyCreditCap: 80, OutcomeBaseline: 1},
			string(contracts.DepartmentHR):         {RequiredMaturity: "established", DailyCreditCap: 80, OutcomeBaseline: 1},
		},
		Agents: []AgentSpec{
			{ID: "content-creator", CreditsPerCall: 10, Timeout: 60 * time.Second},
			{ID: "campaign-planner", CreditsPerCall: 20, Timeout: 60 * time.Second},
			{ID: "sales-assistant", CreditsPerCall: 5, Timeout: 30 * time.Second},
			{ID: "finance-analyst", CreditsPerCall: 8, Timeout: 30 * time.Second},
			{ID: "legal-reviewer", CreditsPerCall: 15, Timeout: 60 * time.Second},
			{ID: "talent-scout", CreditsPerCall: 8, Timeout: 30 * time.Second},
			{ID: "ops-automator", CreditsPerCall: 8, Timeout: 30 * time.Second},
		},
		Capabilities: []CapabilitySeed{
			{Department: "marketing", Family: "content_publishing", Name: "Content publishing", DecisionType: "publish_content",
				AgentID: "content-creator", SignalCategories: []string{"trend", "content"}, RiskLevel: "low"},
			{Department: "marketing", Family: "campaign_launch", Name: "Campaign launch", DecisionType: "launch_campaign",
				AgentID: "campaign-planner", SignalCategories: []string{"competitor", "seasonality"}, RiskLevel: "medium"},
			{Department: "sales", Family: "lead_followup", Name: "Lead follow-up", DecisionType: "lead_followup",
				AgentID: "sales-assistant", SignalCategories: []string{"lead", "crm"}, RiskLevel: "low"},
			{Department: "finance", Family: "invoice_reminder", Name: "Invoice reminders", DecisionType: "invoice_reminder",
				AgentID: "finance-analyst", SignalCategories: []string{"receivables", "cashflow"}, RiskLevel: "medium"},
			{Department: "legal", Family: "contract_review", Name: "Contract review", DecisionType: "contract_review",
				AgentID: "legal-reviewer", SignalCategories: []string{"regulation", "contract"}, RiskLevel: "medium"},
			{Department: "hr", Family: "hiring_outreach", Name: "Hiring outreach", DecisionType: "hiring_outreach",
				AgentID: "talent-scout", SignalCategories: []string{"talent", "hiring"}, RiskLevel: "medium"},
			{Department: "operations", Family: "process_automation", Name: "Process automation", DecisionType: "process_automation",
				AgentID: "ops-automator", SignalCategories: []string{"usage", "incident"}, RiskLevel: "medium"},
		},
		Learning: LearningPolicy{
			NegativeStreak: 3,
			HistoryWindow:  20,
		},
		Genesis: GenesisPolicy{
			TrialDuration:        7 * 24 * time.Hour,
			PromotionMinPositive: 2,
			PromotionMinRatio:    0.6,
			MinEvidence:          3,
			Window:               7 * 24 * time.Hour,
			DefaultCredits:       10,
		},
	}
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy.
// An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

// Validate checks thresholds and enum values.
func (p *Policy) Validate() error {
	g := p.Guardrail
	if g.ApproveHeadroomPct < 0 || g.ApproveHeadroomPct > 100 {
		return fmt.Errorf("guardrail.approve_headroom_pct must be within [0,100], got %v", g.ApproveHeadroomPct)
	}
	if g.AutoApprovePositiveLessons < 1 {
		return fmt.Errorf("guardrail.auto_approve_positive_lessons must be >= 1")
	}
	for t, r := range g.DecisionTypeRisk {
		if contracts.ParseRiskLevel(r) == contracts.RiskUnknown {
			return fmt.Errorf("guardrail.decision_type_risk[%s]: unknown risk level %q", t, r)
		}
	}
	for _, r := range g.Rules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("guardrail.rules: name and expr are required")
		}
		switch contracts.ParseVerdict(r.Verdict) {
		case contracts.VerdictRequiresApproval, contracts.VerdictEscalated, contracts.VerdictBlocked:
		default:
			return fmt.Errorf("guardrail.rules[%s]: verdict must be requires_approval, escalated or blocked", r.Name)
		}
	}
	for name, d := range p.Departments {
		if !contracts.ParseDepartmentType(name).Valid() {
			return fmt.Errorf("departments: unknown department %q", name)
		}
		if contracts.ParseMaturityLevel(d.RequiredMaturity) == contracts.MaturityUnknown {
			return fmt.Errorf("departments[%s]: unknown required_maturity %q", name, d.RequiredMaturity)
		}
		if d.DailyCreditCap < 0 {
			return fmt.Errorf("departments[%s]: negative daily_credit_cap", name)
		}
	}
	seen := make(map[string]bool, len(p.Agents))
	for _, a := range p.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agents: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
	}
	for _, c := range p.Capabilities {
		if !contracts.ParseDepartmentType(c.Department).Valid() || c.Family == "" {
			return fmt.Errorf("capabilities: invalid seed %q/%q", c.Department, c.Family)
		}
	}
	if p.Learning.NegativeStreak < 1 {
		return fmt.Errorf("learning.negative_streak must be >= 1")
	}
	if p.Genesis.PromotionMinRatio < 0 || p.Genesis.PromotionMinRatio > 1 {
		return fmt.Errorf("genesis.promotion_min_ratio must be within [0,1]")
	}
	if p.Genesis.TrialDuration <= 0 {
		return fmt.Errorf("genesis.trial_duration must be positive")
	}
	return nil
}

// Department returns the policy for a department, zero-valued when absent.
func (p *Policy) Department(d contracts.DepartmentType) DepartmentPolicy {
	return p.Departments[string(d)]
}

// AgentIDs lists every agent referenced by capability seeds.
func (p *Policy) AgentIDs() []string {
	ids := make([]string, 0, len(p.Capabilities))
	seen := make(map[string]bool)
	for _, c := range p.Capabilities {
		if c.AgentID != "" && !seen[c.AgentID] {
			seen[c.AgentID] = true
			ids = append(ids, c.AgentID)
		}
	}
	return ids
}
