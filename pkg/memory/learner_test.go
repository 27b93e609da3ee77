package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

func newLearner() (*Learner, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewLearner(st, nil).WithClock(func() time.Time { return now }), st
}

func decision(id, dtype string) *contracts.Decision {
	return &contracts.Decision{
		ID: id, CompanyID: "acme", Department: contracts.DepartmentMarketing,
		DecisionType: dtype, CapabilityCode: dtype, AgentToExecute: "content-creator",
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		res     contracts.ExecutionResult
		outcome contracts.OutcomeEvaluation
	}{
		{"failed", contracts.ExecutionResult{Status: contracts.ExecutionFailed}, contracts.OutcomeNegative},
		{"budget blocked", contracts.ExecutionResult{Status: contracts.ExecutionBlocked}, contracts.OutcomeNegative},
		{"engagement above baseline", contracts.ExecutionResult{Status: contracts.ExecutionCompleted, Engagement: ptr(2.5)}, contracts.OutcomePositive},
		{"engagement below baseline", contracts.ExecutionResult{Status: contracts.ExecutionCompleted, Engagement: ptr(0.2)}, contracts.OutcomeNeutral},
		{"content generated", contracts.ExecutionResult{Status: contracts.ExecutionCompleted, ContentGenerated: 3}, contracts.OutcomePositive},
		{"nothing measurable", contracts.ExecutionResult{Status: contracts.ExecutionCompleted}, contracts.OutcomePending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Evaluate(&tc.res, 1)
			assert.Equal(t, tc.outcome, got)
		})
	}
}

// An agent error produces a negative lesson.
func TestRecordOutcome_FailedExecution(t *testing.T) {
	l, st := newLearner()
	ctx := context.Background()

	lesson, err := l.RecordOutcome(ctx, decision("d1", "publish_content"), &contracts.ExecutionResult{
		DecisionID: "d1", Status: contracts.ExecutionFailed, ErrorMessage: "agent timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNegative, lesson.Outcome)
	assert.Contains(t, lesson.Text, "agent timeout")
	require.NotNil(t, lesson.ResolvedAt)

	stored, err := st.GetLesson(ctx, lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNegative, stored.Outcome)
	assert.Equal(t, "publish_content", stored.CapabilityCode)

	_, err = l.RecordOutcome(ctx, decision("d1", "publish_content"), &contracts.ExecutionResult{Status: contracts.ExecutionCompleted})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestResolvePending(t *testing.T) {
	l, _ := newLearner()
	ctx := context.Background()

	lesson, err := l.RecordOutcome(ctx, decision("d1", "publish_content"), &contracts.ExecutionResult{Status: contracts.ExecutionCompleted})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomePending, lesson.Outcome)
	assert.Nil(t, lesson.ResolvedAt)

	resolved, err := l.ResolvePending(ctx, lesson.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomePositive, resolved.Outcome)
	assert.Equal(t, 4.0, *resolved.Score)

	_, err = l.ResolvePending(ctx, lesson.ID, 4)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPositiveCount_ExcludesPending(t *testing.T) {
	l, _ := newLearner()
	ctx := context.Background()

	results := []contracts.ExecutionResult{
		{Status: contracts.ExecutionCompleted, ContentGenerated: 1},
		{Status: contracts.ExecutionCompleted, ContentGenerated: 2},
		{Status: contracts.ExecutionCompleted},
		{Status: contracts.ExecutionFailed},
	}
	for i, r := range results {
		_, err := l.RecordOutcome(ctx, decision(string(rune('a'+i)), "publish_content"), &r)
		require.NoError(t, err)
	}
	_, err := l.RecordOutcome(ctx, decision("other", "launch_campaign"), &contracts.ExecutionResult{Status: contracts.ExecutionCompleted, ContentGenerated: 1})
	require.NoError(t, err)

	n, err := l.PositiveCount(ctx, "acme", contracts.DepartmentMarketing, "publish_content")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recent, err := l.Recent(ctx, "acme", contracts.DepartmentMarketing)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "launch_campaign", recent[0].DecisionType)
}
