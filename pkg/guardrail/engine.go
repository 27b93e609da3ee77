// Package guardrail implements GUARD: the policy engine that assigns every
// Decision exactly one verdict from its risk, the company's budget headroom
// and recent outcome history.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/builderaio/buildera-io-sub006/pkg/budget"
	"github.com/builderaio/buildera-io-sub006/pkg/celexpr"
	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/observability"
)

// Rules that can fire. Policy rules are reported as "policy:<name>".
const (
	RuleBudgetExhausted = "budget_exhausted"
	RuleCriticalRisk    = "critical_risk"
	RuleHighRisk        = "high_risk_escalation"
	RuleMediumRisk      = "medium_risk_review"
	RulePositiveHistory = "positive_history"
	RuleLowRisk         = "low_risk_headroom"
	RuleLowHeadroom     = "low_headroom_review"
	RuleEvaluationError = "evaluation_error"
)

// ErrMissingRisk is reported when neither the decision nor its type declares a risk level.
var ErrMissingRisk = errors.New("guardrail: missing risk metadata")

// Evaluation is the outcome of one guardrail evaluation.
type Evaluation struct {
	Verdict     contracts.Verdict
	Risk        contracts.RiskLevel
	Rule        string
	Tier        contracts.ReviewerTier
	HeadroomPct float64
	// Err is the evaluation error that forced the fail-safe verdict, if any.
	Err error
}

// BudgetReader reads the company's current credit state.
type BudgetReader interface {
	Snapshot(ctx context.Context, companyID string, limit int64) (budget.State, error)
}

// LessonCounter counts resolved positive lessons of a decision type.
type LessonCounter interface {
	PositiveCount(ctx context.Context, companyID string, dept contracts.DepartmentType, decisionType string) (int, error)
}

// Recorder persists verdicts and intervention entries.
type Recorder interface {
	SetVerdict(ctx context.Context, id string, from, to contracts.Verdict) error
	AppendLog(ctx context.Context, e *contracts.ExecutionLogEntry) error
}

// Engine evaluates decisions against the governance policy.
type Engine struct {
	policy    config.GuardrailPolicy
	rules     *celexpr.Evaluator
	budget    BudgetReader
	lessons   LessonCounter
	recorder  Recorder
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEngine compiles the policy rules and returns an engine.
func NewEngine(policy *config.Policy, budgetReader BudgetReader, lessons LessonCounter, recorder Recorder) (*Engine, error) {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	ev, err := celexpr.New("decision", "budget")
	if err != nil {
		return nil, err
	}
	for _, r := range policy.Guardrail.Rules {
		if err := ev.Compile(r.Expr); err != nil {
			return nil, fmt.Errorf("guardrail rule %s: %w", r.Name, err)
		}
	}
	return &Engine{
		policy:   policy.Guardrail,
		rules:    ev,
		budget:   budgetReader,
		lessons:  lessons,
		recorder: recorder,
		clock:    time.Now,
		logger:   slog.Default().With("component", "guardrail"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithTelemetry records verdict metrics on p.
func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	e.telemetry = p
	return e
}

// Risk computes the risk of a decision from its declared metadata and the
// decision type table. The higher of the two wins.
func (e *Engine) Risk(d *contracts.Decision) (contracts.RiskLevel, error) {
	if err := d.Content.Validate(); err != nil {
		return contracts.RiskUnknown, err
	}
	declared := d.Content.RiskLevel
	baseline := contracts.ParseRiskLevel(e.policy.DecisionTypeRisk[d.DecisionType])
	risk := contracts.MaxRisk(declared, baseline)
	if risk.Rank() == 0 {
		return contracts.RiskUnknown, fmt.Errorf("%w: decision %s type %q", ErrMissingRisk, d.ID, d.DecisionType)
	}
	return risk, nil
}

// Evaluate applies the decision table to d given the company's budget state.
// It never returns approved when anything about the evaluation failed.
func (e *Engine) Evaluate(ctx context.Context, d *contracts.Decision, state budget.State) Evaluation {
	headroom := state.HeadroomPct()
	ev := Evaluation{HeadroomPct: headroom}

	risk, riskErr := e.Risk(d)
	ev.Risk = risk

	switch {
	case headroom <= 0:
		ev.Verdict, ev.Rule = contracts.VerdictBlocked, RuleBudgetExhausted
	case riskErr != nil:
		ev.Verdict, ev.Rule, ev.Err = contracts.VerdictRequiresApproval, RuleEvaluationError, riskErr
	case risk == contracts.RiskCritical:
		ev.Verdict, ev.Rule = contracts.VerdictBlocked, RuleCriticalRisk
	case risk == contracts.RiskHigh:
		ev.Verdict, ev.Rule = contracts.VerdictEscalated, RuleHighRisk
	case risk == contracts.RiskMedium:
		ev.Verdict, ev.Rule = contracts.VerdictRequiresApproval, RuleMediumRisk
		if e.lessons != nil {
			n, err := e.lessons.PositiveCount(ctx, d.CompanyID, d.Department, d.DecisionType)
			switch {
			case err != nil:
				ev.Rule, ev.Err = RuleEvaluationError, fmt.Errorf("positive lessons: %w", err)
			case n >= e.policy.AutoApprovePositiveLessons:
				ev.Verdict, ev.Rule = contracts.VerdictApproved, RulePositiveHistory
			}
		}
	case headroom > e.policy.ApproveHeadroomPct:
		ev.Verdict, ev.Rule = contracts.VerdictApproved, RuleLowRisk
	default:
		ev.Verdict, ev.Rule = contracts.VerdictRequiresApproval, RuleLowHeadroom
	}

	e.applyRules(d, state, &ev)
	ev.Tier = contracts.TierFor(ev.Verdict)
	return ev
}

// applyRules lets policy rules tighten the verdict. They never loosen it.
func (e *Engine) applyRules(d *contracts.Decision, state budget.State, ev *Evaluation) {
	if len(e.policy.Rules) == 0 || ev.Verdict == contracts.VerdictBlocked {
		return
	}
	input := map[string]any{
		"decision": map[string]any{
			"id":                d.ID,
			"type":              d.DecisionType,
			"department":        string(d.Department),
			"agent":             d.AgentToExecute,
			"capability_code":   d.CapabilityCode,
			"risk":              string(ev.Risk),
			"estimated_credits": d.Content.EstimatedCredits,
			"risk_factors":      d.Content.RiskFactors,
		},
		"budget": map[string]any{
			"used":         state.Used,
			"reserved":     state.Reserved,
			"cap":          state.Cap,
			"headroom_pct": ev.HeadroomPct,
		},
	}
	for _, r := range e.policy.Rules {
		fired, err := e.rules.Eval(r.Expr, input)
		if err != nil {
			if ev.Verdict == contracts.VerdictApproved {
				ev.Verdict, ev.Rule, ev.Err = contracts.VerdictRequiresApproval, RuleEvaluationError, fmt.Errorf("rule %s: %w", r.Name, err)
			}
			continue
		}
		if !fired {
			continue
		}
		if v := contracts.ParseVerdict(r.Verdict); v.Severity() > ev.Verdict.Severity() {
			ev.Verdict, ev.Rule = v, "policy:"+r.Name
		}
	}
}

// Guard evaluates d against a fresh budget snapshot, persists the verdict and
// writes a guardrail_intervention entry for every non-approved verdict.
func (e *Engine) Guard(ctx context.Context, d *contracts.Decision, dailyCap int64) (Evaluation, error) {
	state, err := e.budget.Snapshot(ctx, d.CompanyID, dailyCap)
	var ev Evaluation
	if err != nil {
		ev = Evaluation{
			Verdict: contracts.VerdictRequiresApproval,
			Rule:    RuleEvaluationError,
			Tier:    contracts.TierStandard,
			Err:     fmt.Errorf("budget snapshot: %w", err),
		}
		ev.Risk, _ = e.Risk(d)
	} else {
		ev = e.Evaluate(ctx, d, state)
	}

	if err := e.recorder.SetVerdict(ctx, d.ID, contracts.VerdictUnset, ev.Verdict); err != nil {
		return ev, fmt.Errorf("set verdict on %s: %w", d.ID, err)
	}
	d.Verdict = ev.Verdict

	logger := e.logger.With("company_id", d.CompanyID, "department", d.Department, "decision_id", d.ID)
	if ev.Err != nil {
		logger.WarnContext(ctx, "guardrail evaluation failed, holding for review", "error", ev.Err)
	}
	e.telemetry.RecordVerdict(ctx, string(d.Department), string(ev.Verdict), ev.Rule)

	if ev.Verdict == contracts.VerdictApproved {
		logger.DebugContext(ctx, "decision approved", "rule", ev.Rule, "risk", ev.Risk)
		return ev, nil
	}
	logger.InfoContext(ctx, "guardrail intervention", "verdict", ev.Verdict, "rule", ev.Rule, "risk", ev.Risk, "headroom_pct", ev.HeadroomPct)
	return ev, e.recordIntervention(ctx, d, ev)
}

func (e *Engine) recordIntervention(ctx context.Context, d *contracts.Decision, ev Evaluation) error {
	now := e.clock()
	entry := &contracts.ExecutionLogEntry{
		ID:          uuid.New().String(),
		CompanyID:   d.CompanyID,
		Department:  d.Department,
		CycleID:     d.CycleID,
		DecisionID:  d.ID,
		AgentID:     d.AgentToExecute,
		Phase:       contracts.PhaseGuardrailIntervention,
		Status:      contracts.LogCompleted,
		StartedAt:   now,
		CompletedAt: now,
		Rule:        ev.Rule,
		CreatedAt:   now,
	}
	if ev.Verdict == contracts.VerdictBlocked {
		entry.ContentRejected = 1
	}
	if ev.Err != nil {
		entry.ErrorMessage = ev.Err.Error()
	}
	if err := e.recorder.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("record intervention for %s: %w", d.ID, err)
	}
	return nil
}
