// Package approval provides the Approval Workflow: the human-in-the-loop
// queue for decisions the guardrail held as requires_approval or escalated.
//
// Requests never time out. An approved request is handed to the dispatcher
// immediately, and RecoverApproved re-drives any approval whose dispatch was
// interrupted.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/dispatch"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

var (
	// ErrNotPending is returned when a request was already resolved.
	ErrNotPending = errors.New("approval: request is not pending_review")
	// ErrInsufficientTier is returned when the reviewer cannot resolve an escalated request.
	ErrInsufficientTier = errors.New("approval: reviewer tier insufficient")
	// ErrInvalidResolution is returned for resolutions other than approved or rejected.
	ErrInvalidResolution = errors.New("approval: resolution must be approved or rejected")
	// ErrNotHeld is returned when submitting a decision that is not awaiting review.
	ErrNotHeld = errors.New("approval: decision is not awaiting review")
)

// Reviewer identifies who resolves a request.
type Reviewer struct {
	ID   string
	Tier contracts.ReviewerTier
}

// Executor dispatches an approved decision.
type Executor interface {
	Execute(ctx context.Context, decisionID string) (*contracts.ExecutionResult, error)
}

// OutcomeRecorder records the lesson of a dispatched decision.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, d *contracts.Decision, res *contracts.ExecutionResult) (*contracts.Lesson, error)
}

// Store is the persistence the workflow needs.
type Store interface {
	store.ApprovalStore
	GetDecision(ctx context.Context, id string) (*contracts.Decision, error)
	SetVerdict(ctx context.Context, id string, from, to contracts.Verdict) error
}

// Resolution is the outcome of resolving a request.
type Resolution struct {
	Request *contracts.ApprovalRequest `json:"request"`
	Result  *contracts.ExecutionResult `json:"execution,omitempty"`
	Lesson  *contracts.Lesson          `json:"lesson,omitempty"`
}

// Manager handles the lifecycle of approval requests.
type Manager struct {
	store    Store
	executor Executor
	outcomes OutcomeRecorder
	clock    func() time.Time
	logger   *slog.Logger
}

// NewManager creates a new approval manager.
func NewManager(st Store, executor Executor, outcomes OutcomeRecorder) *Manager {
	return &Manager{
		store:    st,
		executor: executor,
		outcomes: outcomes,
		clock:    time.Now,
		logger:   slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Submit opens a request for a decision held by the guardrail.
func (m *Manager) Submit(ctx context.Context, d *contracts.Decision, rule string) (*contracts.ApprovalRequest, error) {
	if !d.Verdict.Pending() {
		return nil, fmt.Errorf("%w: %s is %q", ErrNotHeld, d.ID, d.Verdict)
	}
	req := &contracts.ApprovalRequest{
		ID:           uuid.New().String(),
		DecisionID:   d.ID,
		CompanyID:    d.CompanyID,
		Department:   d.Department,
		Verdict:      d.Verdict,
		ContentType:  d.DecisionType,
		ContentData:  d.Content,
		Rule:         rule,
		Status:       contracts.ApprovalPendingReview,
		RequiredTier: contracts.TierFor(d.Verdict),
		CreatedAt:    m.clock(),
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("submit approval for %s: %w", d.ID, err)
	}
	m.logger.InfoContext(ctx, "approval requested",
		"company_id", d.CompanyID, "department", d.Department, "decision_id", d.ID, "reviewer_tier", req.RequiredTier)
	return req, nil
}

// ListPending returns a company's unresolved requests, oldest first.
func (m *Manager) ListPending(ctx context.Context, companyID string) ([]*contracts.ApprovalRequest, error) {
	return m.store.ListApprovals(ctx, store.ApprovalFilter{
		CompanyID: companyID,
		Statuses:  []contracts.ApprovalStatus{contracts.ApprovalPendingReview},
	})
}

// Resolve approves or rejects a request.
//
// Approval moves the decision to approved and dispatches it. Rejection moves
// the decision to blocked; it is terminal and never retried.
func (m *Manager) Resolve(ctx context.Context, id string, status contracts.ApprovalStatus, reviewer Reviewer) (*Resolution, error) {
	if status != contracts.ApprovalApproved && status != contracts.ApprovalRejected {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, status)
	}
	req, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != contracts.ApprovalPendingReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, req.Status)
	}
	if !reviewer.Tier.Satisfies(req.RequiredTier) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrInsufficientTier, id, req.RequiredTier)
	}

	now := m.clock()
	if err := m.store.ResolveApproval(ctx, id, status, reviewer.ID, now); err != nil {
		if errors.Is(err, contracts.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrNotPending, err)
		}
		return nil, err
	}
	req.Status, req.ReviewerID, req.ReviewedAt = status, reviewer.ID, &now

	verdict := contracts.VerdictBlocked
	if status == contracts.ApprovalApproved {
		verdict = contracts.VerdictApproved
	}
	if err := m.store.SetVerdict(ctx, req.DecisionID, req.Verdict, verdict); err != nil {
		return nil, fmt.Errorf("apply resolution to %s: %w", req.DecisionID, err)
	}
	m.logger.InfoContext(ctx, "approval resolved",
		"company_id", req.CompanyID, "decision_id", req.DecisionID, "status", status, "reviewer_id", reviewer.ID)

	out := &Resolution{Request: req}
	if status == contracts.ApprovalRejected {
		return out, nil
	}
	out.Result, out.Lesson, err = m.dispatch(ctx, req)
	return out, err
}

// RecoverApproved dispatches approved requests that were never handed to the
// dispatcher, for example after a crash between resolution and dispatch.
func (m *Manager) RecoverApproved(ctx context.Context) (int, error) {
	reqs, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
		Statuses:     []contracts.ApprovalStatus{contracts.ApprovalApproved},
		Undispatched: true,
	})
	if err != nil {
		return 0, err
	}
	var (
		recovered int
		errs      []error
	)
	for _, req := range reqs {
		d, err := m.store.GetDecision(ctx, req.DecisionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Verdict.Pending() {
			if err := m.store.SetVerdict(ctx, d.ID, d.Verdict, contracts.VerdictApproved); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if _, _, err := m.dispatch(ctx, req); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.InfoContext(ctx, "recovered approved requests", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}

// dispatch executes the decision behind an approved request and marks the
// request dispatched. Store failures and an in-flight dispatch leave the
// request undispatched for a later recovery pass.
func (m *Manager) dispatch(ctx context.Context, req *contracts.ApprovalRequest) (*contracts.ExecutionResult, *contracts.Lesson, error) {
	res, err := m.executor.Execute(ctx, req.DecisionID)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrAlreadyExecuted), errors.Is(err, dispatch.ErrNotApproved):
		m.logger.WarnContext(ctx, "approved decision not dispatched", "decision_id", req.DecisionID, "error", err)
	default:
		return nil, nil, err
	}
	now := m.clock()
	if err := m.store.MarkApprovalDispatched(ctx, req.ID, now); err != nil {
		return res, nil, fmt.Errorf("mark %s dispatched: %w", req.ID, err)
	}
	req.DispatchedAt = &now
	if res == nil || m.outcomes == nil {
		return res, nil, nil
	}

	d, err := m.store.GetDecision(ctx, req.DecisionID)
	if err != nil {
		return res, nil, err
	}
	lesson, err := m.outcomes.RecordOutcome(ctx, d, res)
	if err != nil {
		return res, nil, err
	}
	return res, lesson, nil
}
