package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/budget"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/dispatch"
	"github.com/builderaio/buildera-io-sub006/pkg/memory"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	st     *store.MemoryStore
	shadow *dispatch.ShadowExecutor
	mgr    *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.CreateDepartment(ctx, &contracts.Department{
		ID: "dep", CompanyID: "acme", Type: contracts.DepartmentMarketing, Enabled: true, DailyCreditCap: 100,
	}); err != nil {
		t.Fatal(err)
	}
	shadow := dispatch.NewShadowExecutor()
	reg := dispatch.NewRegistry()
	if err := reg.Register(dispatch.Agent{ID: "content-creator", Executor: shadow, CreditsPerCall: 10}); err != nil {
		t.Fatal(err)
	}
	d := dispatch.NewDispatcher(st, budget.NewLedger(st), reg)
	learner := memory.NewLearner(st, nil).WithClock(func() time.Time { return testNow })
	return &harness{
		st:     st,
		shadow: shadow,
		mgr:    NewManager(st, d, learner).WithClock(func() time.Time { return testNow }),
	}
}

func (h *harness) held(t *testing.T, id string, v contracts.Verdict) *contracts.Decision {
	t.Helper()
	d := &contracts.Decision{
		ID: id, CompanyID: "acme", Department: contracts.DepartmentMarketing, CycleID: "c1",
		DecisionType: "publish_content", AgentToExecute: "content-creator",
		Content: contracts.ContentData{RiskLevel: contracts.RiskMedium, EstimatedCredits: 10},
		Verdict: v, CreatedAt: testNow,
	}
	if err := h.st.CreateDecision(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, err := h.mgr.Submit(ctx, h.held(t, "d1", contracts.VerdictEscalated), "high_risk_escalation")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != contracts.ApprovalPendingReview {
		t.Fatalf("expected pending_review, got %s", req.Status)
	}
	if req.RequiredTier != contracts.TierExecutive {
		t.Fatalf("expected executive tier, got %s", req.RequiredTier)
	}
	if req.ContentType != "publish_content" {
		t.Fatalf("expected content_type publish_content, got %s", req.ContentType)
	}

	pending, err := h.mgr.ListPending(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	approved := h.held(t, "d2", contracts.VerdictApproved)
	if _, err := h.mgr.Submit(ctx, approved, ""); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestResolve_ApproveDispatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.mgr.Submit(ctx, h.held(t, "d1", contracts.VerdictRequiresApproval), "medium_risk_review")
	if err != nil {
		t.Fatal(err)
	}

	out, err := h.mgr.Resolve(ctx, req.ID, contracts.ApprovalApproved, Reviewer{ID: "ana", Tier: contracts.TierStandard})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result == nil || out.Result.Status != contracts.ExecutionCompleted {
		t.Fatalf("expected completed execution, got %+v", out.Result)
	}
	if out.Lesson == nil {
		t.Fatal("expected a lesson")
	}
	if out.Request.DispatchedAt == nil {
		t.Fatal("expected dispatched_at to be set")
	}

	d, err := h.st.GetDecision(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != contracts.VerdictApproved || !d.ActionTaken {
		t.Fatalf("expected approved and executed, got verdict=%s action_taken=%v", d.Verdict, d.ActionTaken)
	}
	if n := len(h.shadow.Invocations()); n != 1 {
		t.Fatalf("expected 1 invocation, got %d", n)
	}

	_, err = h.mgr.Resolve(ctx, req.ID, contracts.ApprovalRejected, Reviewer{ID: "ana"})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestResolve_RejectIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.mgr.Submit(ctx, h.held(t, "d1", contracts.VerdictRequiresApproval), "medium_risk_review")
	if err != nil {
		t.Fatal(err)
	}

	out, err := h.mgr.Resolve(ctx, req.ID, contracts.ApprovalRejected, Reviewer{ID: "ana"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != nil {
		t.Fatal("rejection must not dispatch")
	}
	d, _ := h.st.GetDecision(ctx, "d1")
	if d.Verdict != contracts.VerdictBlocked {
		t.Fatalf("expected blocked, got %s", d.Verdict)
	}
	if n := len(h.shadow.Invocations()); n != 0 {
		t.Fatalf("expected no invocation, got %d", n)
	}
	if n, _ := h.mgr.RecoverApproved(ctx); n != 0 {
		t.Fatalf("rejected request recovered %d times", n)
	}
}

func TestResolve_EscalatedNeedsExecutive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.mgr.Submit(ctx, h.held(t, "d1", contracts.VerdictEscalated), "high_risk_escalation")
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.mgr.Resolve(ctx, req.ID, contracts.ApprovalApproved, Reviewer{ID: "ana", Tier: contracts.TierStandard})
	if !errors.Is(err, ErrInsufficientTier) {
		t.Fatalf("expected ErrInsufficientTier, got %v", err)
	}
	stored, _ := h.st.GetApproval(ctx, req.ID)
	if stored.Status != contracts.ApprovalPendingReview {
		t.Fatalf("expected request still pending, got %s", stored.Status)
	}

	if _, err := h.mgr.Resolve(ctx, req.ID, contracts.ApprovalApproved, Reviewer{ID: "cfo", Tier: contracts.TierExecutive}); err != nil {
		t.Fatal(err)
	}
}

func TestResolve_InvalidStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Resolve(context.Background(), "x", contracts.ApprovalPendingReview, Reviewer{})
	if !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
}

// A request resolved before a crash, with the decision never moved or dispatched.
func TestRecoverApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.mgr.Submit(ctx, h.held(t, "d1", contracts.VerdictRequiresApproval), "medium_risk_review")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.st.ResolveApproval(ctx, req.ID, contracts.ApprovalApproved, "ana", testNow); err != nil {
		t.Fatal(err)
	}

	n, err := h.mgr.RecoverApproved(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}
	d, _ := h.st.GetDecision(ctx, "d1")
	if !d.ActionTaken {
		t.Fatal("expected decision executed")
	}

	n, err = h.mgr.RecoverApproved(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing left to recover, got n=%d err=%v", n, err)
	}
	if c := len(h.shadow.Invocations()); c != 1 {
		t.Fatalf("expected exactly one invocation, got %d", c)
	}
}
