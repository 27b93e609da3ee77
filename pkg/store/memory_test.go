package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

func TestMemoryStore_SetVerdictIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDecision(ctx, &contracts.Decision{ID: "d1", CompanyID: "c1", Department: contracts.DepartmentMarketing}))

	require.NoError(t, s.SetVerdict(ctx, "d1", contracts.VerdictUnset, contracts.VerdictRequiresApproval))

	// A second evaluation must not overwrite the first verdict.
	err := s.SetVerdict(ctx, "d1", contracts.VerdictUnset, contracts.VerdictApproved)
	var te *contracts.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(contracts.VerdictRequiresApproval), te.From)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)

	require.NoError(t, s.SetVerdict(ctx, "d1", contracts.VerdictRequiresApproval, contracts.VerdictApproved))
	d, err := s.GetDecision(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictApproved, d.Verdict)

	err = s.SetVerdict(ctx, "missing", contracts.VerdictUnset, contracts.VerdictApproved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MarkActionTakenOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDecision(ctx, &contracts.Decision{ID: "d1", CompanyID: "c1"}))

	// Not approved yet.
	assert.ErrorIs(t, s.MarkActionTaken(ctx, "d1"), ErrConflict)

	require.NoError(t, s.SetVerdict(ctx, "d1", contracts.VerdictUnset, contracts.VerdictApproved))
	require.NoError(t, s.MarkActionTaken(ctx, "d1"))
	assert.ErrorIs(t, s.MarkActionTaken(ctx, "d1"), ErrConflict)
}

func TestMemoryStore_SumCreditsCountsDispatchEntriesOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	entries := []*contracts.ExecutionLogEntry{
		{ID: "1", CompanyID: "c1", Phase: contracts.PhaseAct, DecisionID: "d1", CreditsConsumed: 10, CreatedAt: day.Add(time.Hour)},
		{ID: "2", CompanyID: "c1", Phase: contracts.PhaseAct, DecisionID: "d2", CreditsConsumed: 5, CreatedAt: day.Add(2 * time.Hour)},
		// phase summary carries the cycle total and must not be double counted
		{ID: "3", CompanyID: "c1", Phase: contracts.PhaseAct, CycleID: "cy", CreditsConsumed: 15, CreatedAt: day.Add(2 * time.Hour)},
		// previous day
		{ID: "4", CompanyID: "c1", Phase: contracts.PhaseAct, DecisionID: "d0", CreditsConsumed: 100, CreatedAt: day.Add(-time.Minute)},
		// other company
		{ID: "5", CompanyID: "c2", Phase: contracts.PhaseAct, DecisionID: "d9", CreditsConsumed: 100, CreatedAt: day.Add(time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendLog(ctx, e))
	}

	total, err := s.SumCredits(ctx, "c1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)
}

func TestMemoryStore_CapabilityTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	require.NoError(t, s.CreateCapability(ctx, &contracts.Capability{
		ID: "cap1", CompanyID: "c1", Department: contracts.DepartmentSales, Code: "lead_followup", Family: "lead_followup",
		Status: contracts.CapabilityProposed,
	}))

	expires := now.Add(7 * 24 * time.Hour)
	require.NoError(t, s.TransitionCapability(ctx, "cap1", contracts.CapabilityProposed, contracts.CapabilityTrial, &expires, now))
	c, err := s.GetCapability(ctx, "cap1")
	require.NoError(t, err)
	assert.True(t, c.IsActive)
	require.NotNil(t, c.TrialExpiresAt)

	require.NoError(t, s.TransitionCapability(ctx, "cap1", contracts.CapabilityTrial, contracts.CapabilityDeprecated, nil, now))
	c, err = s.GetCapability(ctx, "cap1")
	require.NoError(t, err)
	assert.False(t, c.IsActive)
	assert.Equal(t, contracts.CapabilityDeprecated, c.Status)

	err = s.TransitionCapability(ctx, "cap1", contracts.CapabilityDeprecated, contracts.CapabilityProposed, nil, now)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)

	// Same code cannot be created again in the same department.
	err = s.CreateCapability(ctx, &contracts.Capability{ID: "cap2", CompanyID: "c1", Department: contracts.DepartmentSales, Code: "lead_followup"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_ResolveApprovalOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateApproval(ctx, &contracts.ApprovalRequest{ID: "a1", DecisionID: "d1", CompanyID: "c1", Status: contracts.ApprovalPendingReview}))
	assert.ErrorIs(t, s.CreateApproval(ctx, &contracts.ApprovalRequest{ID: "a2", DecisionID: "d1"}), ErrConflict)

	assert.ErrorIs(t, s.MarkApprovalDispatched(ctx, "a1", time.Now()), ErrConflict)

	require.NoError(t, s.ResolveApproval(ctx, "a1", contracts.ApprovalApproved, "rev-1", time.Now()))
	err := s.ResolveApproval(ctx, "a1", contracts.ApprovalRejected, "rev-2", time.Now())
	assert.True(t, errors.Is(err, contracts.ErrInvalidTransition))

	pending, err := s.ListApprovals(ctx, ApprovalFilter{CompanyID: "c1", Statuses: []contracts.ApprovalStatus{contracts.ApprovalApproved}, Undispatched: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkApprovalDispatched(ctx, "a1", time.Now()))
	assert.ErrorIs(t, s.MarkApprovalDispatched(ctx, "a1", time.Now()), ErrConflict)
}

func TestMemoryStore_LessonsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()
	for i, o := range []contracts.OutcomeEvaluation{contracts.OutcomePositive, contracts.OutcomeNegative, contracts.OutcomePending} {
		require.NoError(t, s.CreateLesson(ctx, &contracts.Lesson{
			ID: string(rune('a' + i)), DecisionID: string(rune('A' + i)), CompanyID: "c1",
			Department: contracts.DepartmentMarketing, DecisionType: "post", Outcome: o, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := s.ListLessons(ctx, LessonFilter{CompanyID: "c1", DecisionType: "post", Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, contracts.OutcomePending, all[0].Outcome)
	assert.Equal(t, contracts.OutcomeNegative, all[1].Outcome)

	require.NoError(t, s.ResolveLesson(ctx, "c", contracts.OutcomePositive, nil, "", base))
	assert.ErrorIs(t, s.ResolveLesson(ctx, "c", contracts.OutcomeNegative, nil, "", base), contracts.ErrInvalidTransition)
}

func TestMemoryStore_FiltersUnactedAndApprovalByDecision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, s.CreateDecision(ctx, &contracts.Decision{ID: id, CompanyID: "c1", Verdict: contracts.VerdictApproved}))
	}
	require.NoError(t, s.MarkActionTaken(ctx, "d1"))
	open, err := s.ListDecisions(ctx, DecisionFilter{CompanyID: "c1", NotActed: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "d2", open[0].ID)

	require.NoError(t, s.CreateApproval(ctx, &contracts.ApprovalRequest{ID: "a1", DecisionID: "d2", CompanyID: "c1", Status: contracts.ApprovalPendingReview}))
	found, err := s.ListApprovals(ctx, ApprovalFilter{DecisionID: "d2"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	none, err := s.ListApprovals(ctx, ApprovalFilter{DecisionID: "d1"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
