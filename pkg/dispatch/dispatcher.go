package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/builderaio/buildera-io-sub006/pkg/budget"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/observability"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// RuleBudgetPreflight is the intervention rule written when the pre-dispatch
// re-check blocks an approved decision.
const RuleBudgetPreflight = "budget_preflight"

var (
	// ErrNotApproved is returned for decisions whose verdict is not approved.
	ErrNotApproved = errors.New("dispatch: decision is not approved")
	// ErrAlreadyExecuted is returned when action_taken is already set.
	ErrAlreadyExecuted = errors.New("dispatch: decision already executed")
	// ErrInFlight is returned while the same decision is being dispatched.
	ErrInFlight = errors.New("dispatch: decision already in flight")
)

// Store is the persistence the dispatcher needs.
type Store interface {
	store.DecisionStore
	store.ExecutionLog
	GetDepartment(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.Department, error)
}

// Ledger is the per-company credit ledger.
type Ledger interface {
	Reserve(ctx context.Context, companyID string, cost, limit int64) (*budget.Reservation, budget.State, error)
	Commit(res *budget.Reservation)
	Release(res *budget.Reservation)
}

// Dispatcher executes approved decisions.
type Dispatcher struct {
	store     Store
	ledger    Ledger
	registry  *Registry
	telemetry *observability.Provider
	inflight  sync.Map
	clock     func() time.Time
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st Store, ledger Ledger, registry *Registry) *Dispatcher {
	return &Dispatcher{
		store:    st,
		ledger:   ledger,
		registry: registry,
		clock:    time.Now,
		logger:   slog.Default().With("component", "dispatch"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithTelemetry records dispatch metrics on p.
func (d *Dispatcher) WithTelemetry(p *observability.Provider) *Dispatcher {
	d.telemetry = p
	return d
}

// Execute dispatches an approved decision exactly once.
//
// Precondition violations (not approved, already executed, in flight) are
// returned as errors. Agent failures and budget blocks are results: the
// returned ExecutionResult has status failed or blocked and is already logged.
// Nothing is retried here.
func (d *Dispatcher) Execute(ctx context.Context, decisionID string) (*contracts.ExecutionResult, error) {
	if _, busy := d.inflight.LoadOrStore(decisionID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, decisionID)
	}
	defer d.inflight.Delete(decisionID)

	dec, err := d.store.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if dec.Verdict != contracts.VerdictApproved {
		return nil, fmt.Errorf("%w: %s is %q", ErrNotApproved, dec.ID, dec.Verdict)
	}
	if dec.ActionTaken {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, dec.ID)
	}
	logger := d.logger.With("company_id", dec.CompanyID, "department", dec.Department, "decision_id", dec.ID, "agent_id", dec.AgentToExecute)

	agent, ok := d.registry.Lookup(dec.AgentToExecute)
	if !ok {
		msg := fmt.Sprintf("%v: %q", ErrUnregisteredAgent, dec.AgentToExecute)
		logger.WarnContext(ctx, "dispatch failed", "error", msg)
		return d.fail(ctx, dec, d.clock(), msg)
	}

	cost := agent.CreditsPerCall
	if cost <= 0 {
		cost = dec.Content.EstimatedCredits
	}
	res, err := d.reserve(ctx, dec, cost)
	if err != nil {
		logger.WarnContext(ctx, "budget pre-flight blocked dispatch", "cost", cost, "error", err)
		return d.block(ctx, dec, err)
	}

	start := d.clock()
	callCtx := ctx
	if agent.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, agent.Timeout)
		defer cancel()
	}
	resp, err := agent.Executor.Invoke(callCtx, agent.ID, Invocation{
		AgentID:      agent.ID,
		DecisionID:   dec.ID,
		CompanyID:    dec.CompanyID,
		Department:   dec.Department,
		DecisionType: dec.DecisionType,
		Description:  dec.Description,
		Content:      dec.Content,
	})
	if err == nil && !resp.Success {
		err = fmt.Errorf("agent reported failure: %s", resp.Error)
	}
	if err != nil {
		d.ledger.Release(res)
		logger.WarnContext(ctx, "dispatch failed", "error", err)
		d.telemetry.RecordDispatch(ctx, agent.ID, string(contracts.ExecutionFailed), d.clock().Sub(start), 0)
		return d.fail(ctx, dec, start, err.Error())
	}

	end := d.clock()
	durationMs := resp.DurationMs
	if durationMs <= 0 {
		durationMs = end.Sub(start).Milliseconds()
	}
	entry := d.entry(dec, start, end, contracts.LogCompleted)
	entry.DurationMs = durationMs
	entry.ContentGenerated = resp.ContentGenerated
	entry.ContentApproved = resp.ContentGenerated
	entry.CreditsConsumed = cost
	if err := d.store.AppendLog(ctx, entry); err != nil {
		d.ledger.Release(res)
		return nil, fmt.Errorf("record dispatch of %s: %w", dec.ID, err)
	}
	d.ledger.Commit(res)
	if err := d.store.MarkActionTaken(ctx, dec.ID); err != nil {
		return nil, fmt.Errorf("mark %s executed: %w", dec.ID, err)
	}

	d.telemetry.RecordDispatch(ctx, agent.ID, string(contracts.ExecutionCompleted), end.Sub(start), cost)
	logger.InfoContext(ctx, "decision executed", "credits", cost, "duration_ms", durationMs)
	return &contracts.ExecutionResult{
		DecisionID:       dec.ID,
		Status:           contracts.ExecutionCompleted,
		Output:           resp.Output,
		Summary:          resp.Summary,
		CreditsConsumed:  cost,
		DurationMs:       durationMs,
		ContentGenerated: resp.ContentGenerated,
		Engagement:       resp.Engagement,
	}, nil
}

// reserve re-checks the company budget against the department cap.
func (d *Dispatcher) reserve(ctx context.Context, dec *contracts.Decision, cost int64) (*budget.Reservation, error) {
	dept, err := d.store.GetDepartment(ctx, dec.CompanyID, dec.Department)
	if err != nil {
		return nil, fmt.Errorf("%w: department cap: %v", budget.ErrLedgerUnavailable, err)
	}
	res, _, err := d.ledger.Reserve(ctx, dec.CompanyID, cost, dept.DailyCreditCap)
	return res, err
}

// block turns an approved decision into blocked after a failed pre-flight.
func (d *Dispatcher) block(ctx context.Context, dec *contracts.Decision, cause error) (*contracts.ExecutionResult, error) {
	if err := d.store.SetVerdict(ctx, dec.ID, contracts.VerdictApproved, contracts.VerdictBlocked); err != nil {
		return nil, fmt.Errorf("block %s: %w", dec.ID, err)
	}
	now := d.clock()
	entry := d.entry(dec, now, now, contracts.LogCompleted)
	entry.Phase = contracts.PhaseGuardrailIntervention
	entry.Rule = RuleBudgetPreflight
	entry.ContentRejected = 1
	entry.ErrorMessage = cause.Error()
	if err := d.store.AppendLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("record block of %s: %w", dec.ID, err)
	}
	d.telemetry.RecordVerdict(ctx, string(dec.Department), string(contracts.VerdictBlocked), RuleBudgetPreflight)
	return &contracts.ExecutionResult{
		DecisionID:   dec.ID,
		Status:       contracts.ExecutionBlocked,
		ErrorMessage: cause.Error(),
	}, nil
}

// fail records a failed dispatch. action_taken stays false.
func (d *Dispatcher) fail(ctx context.Context, dec *contracts.Decision, start time.Time, msg string) (*contracts.ExecutionResult, error) {
	end := d.clock()
	entry := d.entry(dec, start, end, contracts.LogFailed)
	entry.DurationMs = end.Sub(start).Milliseconds()
	entry.ErrorMessage = msg
	if err := d.store.AppendLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("record failure of %s: %w", dec.ID, err)
	}
	return &contracts.ExecutionResult{
		DecisionID:   dec.ID,
		Status:       contracts.ExecutionFailed,
		DurationMs:   entry.DurationMs,
		ErrorMessage: msg,
	}, nil
}

func (d *Dispatcher) entry(dec *contracts.Decision, start, end time.Time, status contracts.LogStatus) *contracts.ExecutionLogEntry {
	return &contracts.ExecutionLogEntry{
		ID:          uuid.New().String(),
		CompanyID:   dec.CompanyID,
		Department:  dec.Department,
		CycleID:     dec.CycleID,
		DecisionID:  dec.ID,
		AgentID:     dec.AgentToExecute,
		Phase:       contracts.PhaseAct,
		Status:      status,
		StartedAt:   start,
		CompletedAt: end,
		CreatedAt:   end,
	}
}
