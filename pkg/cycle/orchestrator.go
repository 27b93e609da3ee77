// Package cycle drives one SENSE -> THINK -> GUARD -> ACT -> LEARN pass for a
// (company, department) pair.
//
// A pair runs at most one cycle at a time; a second trigger is rejected with
// ErrCycleInFlight, never queued. Every phase writes exactly one summary
// entry to the execution log. A failing phase ends the cycle with status
// failed and no later phase runs. Cancellation is honoured only before a
// phase begins; ACT and LEARN run to completion once ACT has started.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/decision"
	"github.com/builderaio/buildera-io-sub006/pkg/department"
	"github.com/builderaio/buildera-io-sub006/pkg/dispatch"
	"github.com/builderaio/buildera-io-sub006/pkg/guardrail"
	"github.com/builderaio/buildera-io-sub006/pkg/observability"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// ErrAutopilotOff is returned when the department is disabled or its autopilot is off.
var ErrAutopilotOff = errors.New("cycle: autopilot is off for department")

// DefaultIntelligenceLimit is how many cached intelligence records THINK reads.
const DefaultIntelligenceLimit = 20

// RuleRequeued is the approval rule of a held decision whose guardrail
// intervention entry is missing.
const RuleRequeued = "requeued_hold"

// PhaseError reports the phase a failed cycle stopped in.
type PhaseError struct {
	CycleID string
	Phase   contracts.Phase
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("cycle %s failed in %s: %v", e.CycleID, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Store is the persistence the orchestrator needs.
type Store interface {
	GetDepartment(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.Department, error)
	ListCapabilities(ctx context.Context, f store.CapabilityFilter) ([]*contracts.Capability, error)
	CreateDecision(ctx context.Context, d *contracts.Decision) error
	FindDecisionByFingerprint(ctx context.Context, companyID, fingerprint string) (*contracts.Decision, error)
	ListDecisions(ctx context.Context, f store.DecisionFilter) ([]*contracts.Decision, error)
	AppendLog(ctx context.Context, e *contracts.ExecutionLogEntry) error
	ListLogs(ctx context.Context, f store.LogFilter) ([]*contracts.ExecutionLogEntry, error)
	CountLogs(ctx context.Context, f store.LogFilter) (int, error)
	ListApprovals(ctx context.Context, f store.ApprovalFilter) ([]*contracts.ApprovalRequest, error)
}

// Intelligence refreshes and reads the company's intelligence cache.
type Intelligence interface {
	Refresh(ctx context.Context, companyID string) ([]*contracts.IntelligenceSignal, error)
	Latest(ctx context.Context, companyID string, limit int) ([]*contracts.IntelligenceSignal, error)
}

// Guard assigns and persists a verdict.
type Guard interface {
	Guard(ctx context.Context, d *contracts.Decision, dailyCap int64) (guardrail.Evaluation, error)
}

// Executor dispatches approved decisions.
type Executor interface {
	Execute(ctx context.Context, decisionID string) (*contracts.ExecutionResult, error)
}

// Approvals queues held decisions for human review.
type Approvals interface {
	Submit(ctx context.Context, d *contracts.Decision, rule string) (*contracts.ApprovalRequest, error)
}

// Learner reads and records lessons.
type Learner interface {
	Recent(ctx context.Context, companyID string, dept contracts.DepartmentType) ([]*contracts.Lesson, error)
	RecordOutcome(ctx context.Context, d *contracts.Decision, res *contracts.ExecutionResult) (*contracts.Lesson, error)
}

// Deps bundles the collaborators of an Orchestrator.
type Deps struct {
	Store        Store
	Locker       Locker
	Intelligence Intelligence
	Decider      decision.Engine
	Guard        Guard
	Executor     Executor
	Approvals    Approvals
	Learner      Learner
}

// Orchestrator runs cycles.
type Orchestrator struct {
	Deps
	intelLimit int
	telemetry  *observability.Provider
	states     sync.Map
	clock      func() time.Time
	logger     *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil Locker defaults to an in-process one.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	return &Orchestrator{
		Deps:       deps,
		intelLimit: DefaultIntelligenceLimit,
		clock:      time.Now,
		logger:     slog.Default().With("component", "cycle"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithTelemetry records a span per cycle and per phase on p.
func (o *Orchestrator) WithTelemetry(p *observability.Provider) *Orchestrator {
	o.telemetry = p
	return o
}

// WithIntelligenceLimit sets how many intelligence records THINK reads.
func (o *Orchestrator) WithIntelligenceLimit(n int) *Orchestrator {
	if n > 0 {
		o.intelLimit = n
	}
	return o
}

// Status returns the state of a pair as seen by this process.
func (o *Orchestrator) Status(companyID string, dept contracts.DepartmentType) contracts.CycleState {
	if v, ok := o.states.Load(contracts.PairKey(companyID, dept)); ok {
		return v.(contracts.CycleState)
	}
	return contracts.StateIdle
}

// run carries the state of one cycle between phases.
type run struct {
	summary  *contracts.CycleSummary
	dept     *contracts.Department
	intel    []*contracts.IntelligenceSignal
	created  []*contracts.Decision
	approved []*contracts.Decision
	outcomes []outcome
}

type outcome struct {
	decision *contracts.Decision
	result   *contracts.ExecutionResult
}

// RunCycle runs one full cycle. The summary is returned for failed cycles too,
// together with a *PhaseError.
func (o *Orchestrator) RunCycle(ctx context.Context, companyID string, deptType contracts.DepartmentType) (*contracts.CycleSummary, error) {
	if !deptType.Valid() {
		return nil, fmt.Errorf("%w: %q", department.ErrUnknownDepartment, deptType)
	}
	dept, err := o.Store.GetDepartment(ctx, companyID, deptType)
	if err != nil {
		return nil, err
	}
	if !dept.Enabled || !dept.AutopilotEnabled {
		return nil, fmt.Errorf("%w: %s/%s", ErrAutopilotOff, companyID, deptType)
	}

	key := contracts.PairKey(companyID, deptType)
	lease, err := o.Locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		o.states.Delete(key)
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.WarnContext(ctx, "release cycle lease", "pair_key", key, "error", err)
		}
	}()

	r := &run{
		dept: dept,
		summary: &contracts.CycleSummary{
			CycleID:    uuid.New().String(),
			CompanyID:  companyID,
			Department: deptType,
			Status:     contracts.LogRunning,
			Verdicts:   map[contracts.Verdict]int{},
			StartedAt:  o.clock(),
		},
	}
	logger := o.logger.With("company_id", companyID, "department", deptType, "cycle_id", r.summary.CycleID)
	ctx, end := o.telemetry.TrackOperation(ctx, "autopilot.cycle",
		attribute.String("company_id", companyID),
		attribute.String("department", string(deptType)),
	)
	logger.InfoContext(ctx, "cycle started")

	steps := []struct {
		phase contracts.Phase
		fn    func(context.Context, *run) (*contracts.ExecutionLogEntry, error)
	}{
		{contracts.PhaseSense, o.sense},
		{contracts.PhaseThink, o.think},
		{contracts.PhaseGuard, o.guard},
		{contracts.PhaseAct, o.act},
		{contracts.PhaseLearn, o.learn},
	}
	var cycleErr error
	for _, step := range steps {
		if step.phase != contracts.PhaseLearn {
			if err := lease.Err(); err != nil {
				cycleErr = &PhaseError{CycleID: r.summary.CycleID, Phase: step.phase, Err: err}
				break
			}
		}
		if step.phase == contracts.PhaseAct {
			if err := ctx.Err(); err != nil {
				cycleErr = &PhaseError{CycleID: r.summary.CycleID, Phase: step.phase, Err: err}
				break
			}
			// ACT and LEARN are not cancellable once started.
			ctx = context.WithoutCancel(ctx)
		} else if err := ctx.Err(); err != nil {
			cycleErr = &PhaseError{CycleID: r.summary.CycleID, Phase: step.phase, Err: err}
			break
		}
		if err := o.runPhase(ctx, r, step.phase, step.fn); err != nil {
			cycleErr = err
			break
		}
	}

	r.summary.CompletedAt = o.clock()
	r.summary.Status = contracts.LogCompleted
	var pe *PhaseError
	if errors.As(cycleErr, &pe) {
		r.summary.Status = contracts.LogFailed
		r.summary.FailedPhase = pe.Phase
		r.summary.Error = pe.Err.Error()
		logger.WarnContext(ctx, "cycle failed", "phase", pe.Phase, "error", pe.Err)
	} else {
		logger.InfoContext(ctx, "cycle completed",
			"decisions", r.summary.DecisionsProduced, "executed", r.summary.Executed, "credits", r.summary.CreditsConsumed)
	}
	o.telemetry.RecordCycle(ctx, string(deptType), string(r.summary.Status))
	end(cycleErr)
	return r.summary, cycleErr
}

// runPhase runs fn and writes the phase's single summary entry.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, phase contracts.Phase, fn func(context.Context, *run) (*contracts.ExecutionLogEntry, error)) error {
	key := contracts.PairKey(r.summary.CompanyID, r.summary.Department)
	o.states.Store(key, contracts.StateFor(phase))
	ctx, end := o.telemetry.TrackOperation(ctx, "autopilot.cycle."+string(phase))

	start := o.clock()
	entry, err := fn(ctx, r)
	if entry == nil {
		entry = &contracts.ExecutionLogEntry{}
	}
	finish := o.clock()
	entry.ID = uuid.New().String()
	entry.CompanyID = r.summary.CompanyID
	entry.Department = r.summary.Department
	entry.CycleID = r.summary.CycleID
	entry.Phase = phase
	entry.Status = contracts.LogCompleted
	entry.StartedAt = start
	entry.CompletedAt = finish
	entry.DurationMs = finish.Sub(start).Milliseconds()
	entry.CreatedAt = finish
	if err != nil {
		entry.Status = contracts.LogFailed
		entry.ErrorMessage = err.Error()
	}
	if logErr := o.Store.AppendLog(ctx, entry); logErr != nil && err == nil {
		err = fmt.Errorf("record %s entry: %w", phase, logErr)
	}
	end(err)
	if err != nil {
		return &PhaseError{CycleID: r.summary.CycleID, Phase: phase, Err: err}
	}
	return nil
}

// sense refreshes intelligence and loads the latest records. Individual
// source failures are logged by the ingestor and do not fail the phase.
func (o *Orchestrator) sense(ctx context.Context, r *run) (*contracts.ExecutionLogEntry, error) {
	fresh, err := o.Intelligence.Refresh(ctx, r.summary.CompanyID)
	if err != nil {
		o.logger.WarnContext(ctx, "intelligence refresh incomplete", "company_id", r.summary.CompanyID, "error", err)
	}
	r.intel, err = o.Intelligence.Latest(ctx, r.summary.CompanyID, o.intelLimit)
	if err != nil {
		return nil, fmt.Errorf("read intelligence: %w", err)
	}
	for _, rec := range r.intel {
		r.summary.SignalsSensed += len(rec.Signals)
	}
	return &contracts.ExecutionLogEntry{ContentGenerated: len(fresh)}, nil
}

// think turns intelligence into decisions and persists the new ones.
// A decision whose fingerprint already exists is a duplicate and is dropped.
func (o *Orchestrator) think(ctx context.Context, r *run) (*contracts.ExecutionLogEntry, error) {
	s := r.summary
	caps, err := o.Store.ListCapabilities(ctx, store.CapabilityFilter{
		CompanyID:  s.CompanyID,
		Department: s.Department,
		Statuses:   []contracts.CapabilityStatus{contracts.CapabilityTrial, contracts.CapabilityActive},
	})
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	lessons, err := o.Learner.Recent(ctx, s.CompanyID, s.Department)
	if err != nil {
		return nil, fmt.Errorf("load lessons: %w", err)
	}
	res, err := o.Decider.Decide(ctx, decision.Input{
		CompanyID:    s.CompanyID,
		Department:   s.Department,
		CycleID:      s.CycleID,
		Capabilities: caps,
		Intelligence: r.intel,
		Lessons:      lessons,
		Now:          o.clock(),
	})
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	s.Gaps = res.Gaps

	for _, d := range res.Decisions {
		if d.Fingerprint != "" {
			_, err := o.Store.FindDecisionByFingerprint(ctx, s.CompanyID, d.Fingerprint)
			switch {
			case err == nil:
				s.Duplicates++
				continue
			case !errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("dedup %s: %w", d.ID, err)
			}
		}
		if err := o.Store.CreateDecision(ctx, d); err != nil {
			return nil, fmt.Errorf("persist decision: %w", err)
		}
		r.created = append(r.created, d)
	}
	s.DecisionsProduced = len(r.created)
	return &contracts.ExecutionLogEntry{ContentGenerated: len(r.created)}, nil
}

// guard assigns verdicts to this cycle's decisions and to any decision of
// the pair an earlier, interrupted cycle left unevaluated. It also resumes
// what an interrupted GUARD left half done.
func (o *Orchestrator) guard(ctx context.Context, r *run) (*contracts.ExecutionLogEntry, error) {
	s := r.summary
	if err := o.resume(ctx, r); err != nil {
		return nil, err
	}
	pending := append([]*contracts.Decision(nil), r.created...)
	orphans, err := o.Store.ListDecisions(ctx, store.DecisionFilter{
		CompanyID:  s.CompanyID,
		Department: s.Department,
		Verdicts:   []contracts.Verdict{contracts.VerdictUnset},
	})
	if err != nil {
		return nil, fmt.Errorf("load unevaluated decisions: %w", err)
	}
	seen := make(map[string]bool, len(pending))
	for _, d := range pending {
		seen[d.ID] = true
	}
	for i := len(orphans) - 1; i >= 0; i-- {
		if !seen[orphans[i].ID] {
			pending = append(pending, orphans[i])
		}
	}

	entry := &contracts.ExecutionLogEntry{}
	for _, d := range pending {
		ev, err := o.Guard.Guard(ctx, d, r.dept.DailyCreditCap)
		if err != nil {
			if errors.Is(err, contracts.ErrInvalidTransition) {
				continue
			}
			return entry, err
		}
		s.Verdicts[ev.Verdict]++
		switch {
		case ev.Verdict == contracts.VerdictApproved:
			entry.ContentApproved++
			r.approved = append(r.approved, d)
		case ev.Verdict.Pending():
			if _, err := o.Approvals.Submit(ctx, d, ev.Rule); err != nil && !errors.Is(err, store.ErrConflict) {
				return entry, fmt.Errorf("queue %s for review: %w", d.ID, err)
			}
		case ev.Verdict == contracts.VerdictBlocked:
			entry.ContentRejected++
		}
	}
	return entry, nil
}

// resume queues the pair's approved decisions that were never dispatched
// and no approval request owns, and submits held decisions that have no
// approval request. Approved decisions with a dispatch attempt on record
// are not retried.
func (o *Orchestrator) resume(ctx context.Context, r *run) error {
	s := r.summary
	logger := o.logger.With("company_id", s.CompanyID, "department", s.Department, "cycle_id", s.CycleID)

	approved, err := o.Store.ListDecisions(ctx, store.DecisionFilter{
		CompanyID:  s.CompanyID,
		Department: s.Department,
		Verdicts:   []contracts.Verdict{contracts.VerdictApproved},
		NotActed:   true,
	})
	if err != nil {
		return fmt.Errorf("load undispatched decisions: %w", err)
	}
	for i := len(approved) - 1; i >= 0; i-- {
		d := approved[i]
		attempts, err := o.Store.CountLogs(ctx, store.LogFilter{DecisionID: d.ID, Phase: contracts.PhaseAct})
		if err != nil {
			return fmt.Errorf("load dispatch attempts of %s: %w", d.ID, err)
		}
		if attempts > 0 {
			continue
		}
		owned, err := o.hasApproval(ctx, d)
		if err != nil {
			return err
		}
		if owned {
			continue
		}
		logger.InfoContext(ctx, "resuming undispatched decision", "decision_id", d.ID)
		r.approved = append(r.approved, d)
	}

	held, err := o.Store.ListDecisions(ctx, store.DecisionFilter{
		CompanyID:  s.CompanyID,
		Department: s.Department,
		Verdicts:   []contracts.Verdict{contracts.VerdictRequiresApproval, contracts.VerdictEscalated},
	})
	if err != nil {
		return fmt.Errorf("load held decisions: %w", err)
	}
	for i := len(held) - 1; i >= 0; i-- {
		d := held[i]
		owned, err := o.hasApproval(ctx, d)
		if err != nil {
			return err
		}
		if owned {
			continue
		}
		rule := RuleRequeued
		entries, err := o.Store.ListLogs(ctx, store.LogFilter{
			DecisionID: d.ID,
			Phase:      contracts.PhaseGuardrailIntervention,
			Limit:      1,
		})
		if err != nil {
			return fmt.Errorf("load intervention of %s: %w", d.ID, err)
		}
		if len(entries) > 0 && entries[0].Rule != "" {
			rule = entries[0].Rule
		}
		if _, err := o.Approvals.Submit(ctx, d, rule); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("requeue %s for review: %w", d.ID, err)
		}
		logger.InfoContext(ctx, "held decision requeued for review", "decision_id", d.ID, "rule", rule)
	}
	return nil
}

func (o *Orchestrator) hasApproval(ctx context.Context, d *contracts.Decision) (bool, error) {
	reqs, err := o.Store.ListApprovals(ctx, store.ApprovalFilter{CompanyID: d.CompanyID, DecisionID: d.ID})
	if err != nil {
		return false, fmt.Errorf("load approval of %s: %w", d.ID, err)
	}
	return len(reqs) > 0, nil
}

// act dispatches approved decisions. Agent failures and budget blocks are
// results and do not fail the phase.
func (o *Orchestrator) act(ctx context.Context, r *run) (*contracts.ExecutionLogEntry, error) {
	s := r.summary
	entry := &contracts.ExecutionLogEntry{}
	for _, d := range r.approved {
		res, err := o.Executor.Execute(ctx, d.ID)
		if err != nil {
			if errors.Is(err, dispatch.ErrInFlight) || errors.Is(err, dispatch.ErrAlreadyExecuted) || errors.Is(err, dispatch.ErrNotApproved) {
				o.logger.WarnContext(ctx, "dispatch skipped", "decision_id", d.ID, "error", err)
				continue
			}
			return entry, fmt.Errorf("dispatch %s: %w", d.ID, err)
		}
		switch res.Status {
		case contracts.ExecutionCompleted:
			s.Executed++
			s.CreditsConsumed += res.CreditsConsumed
			entry.ContentGenerated += res.ContentGenerated
		case contracts.ExecutionFailed:
			s.ExecutionFailures++
		case contracts.ExecutionBlocked:
			s.BudgetBlocked++
			entry.ContentRejected++
		}
		r.outcomes = append(r.outcomes, outcome{decision: d, result: res})
	}
	entry.CreditsConsumed = s.CreditsConsumed
	return entry, nil
}

// learn records one lesson per dispatch outcome.
func (o *Orchestrator) learn(ctx context.Context, r *run) (*contracts.ExecutionLogEntry, error) {
	for _, oc := range r.outcomes {
		if _, err := o.Learner.RecordOutcome(ctx, oc.decision, oc.result); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}
		r.summary.LessonsRecorded++
	}
	return &contracts.ExecutionLogEntry{ContentGenerated: r.summary.LessonsRecorded}, nil
}
