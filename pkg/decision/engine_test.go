package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func marketingCaps() []*contracts.Capability {
	return []*contracts.Capability{
		{
			Code: "content_publishing", Name: "Content publishing", Status: contracts.CapabilityActive,
			DecisionType: "publish_content", AgentID: "content-creator",
			SignalCategories: []string{"trend"}, RiskLevel: contracts.RiskLow,
		},
		{
			Code: "campaign_launch", Name: "Campaign launch", Status: contracts.CapabilityTrial,
			DecisionType: "launch_campaign", AgentID: "campaign-planner",
			SignalCategories: []string{"competitor"}, RiskLevel: contracts.RiskMedium,
			TriggerExpr: `signal.impact == "high" || signal.impact == "critical"`,
		},
		{
			Code: "pricing", Name: "Pricing", Status: contracts.CapabilityProposed,
			DecisionType: "price_adjustment", AgentID: "campaign-planner",
			SignalCategories: []string{"pricing"}, RiskLevel: contracts.RiskHigh,
		},
	}
}

func intel(signals ...contracts.Signal) []*contracts.IntelligenceSignal {
	return []*contracts.IntelligenceSignal{{ID: "i1", CompanyID: "acme", Source: "market", Signals: signals, RelevanceScore: 0.7}}
}

func newEngine(t *testing.T) *RuleEngine {
	t.Helper()
	e, err := NewRuleEngine(nil)
	require.NoError(t, err)
	return e
}

func TestDecide_OnlyCoveredSignalsBecomeDecisions(t *testing.T) {
	e := newEngine(t)
	res, err := e.Decide(context.Background(), Input{
		CompanyID:    "acme",
		Department:   contracts.DepartmentMarketing,
		CycleID:      "c1",
		Capabilities: marketingCaps(),
		Intelligence: intel(
			contracts.Signal{Title: "Short video trend", Impact: contracts.RiskMedium, Category: "trend"},
			contracts.Signal{Title: "Rival launches promo", Impact: contracts.RiskLow, Category: "competitor"},
			contracts.Signal{Title: "Rival cuts prices", Impact: contracts.RiskHigh, Category: "competitor"},
			contracts.Signal{Title: "Supplier price increase", Impact: contracts.RiskHigh, Category: "pricing"},
		),
		Now: now,
	})
	require.NoError(t, err)

	require.Len(t, res.Decisions, 2)
	d := res.Decisions[0]
	assert.Equal(t, "publish_content", d.DecisionType)
	assert.Equal(t, "content-creator", d.AgentToExecute)
	assert.Equal(t, "content_publishing", d.CapabilityCode)
	assert.Equal(t, contracts.RiskLow, d.Content.RiskLevel)
	assert.Equal(t, int64(10), d.Content.EstimatedCredits)
	assert.Equal(t, contracts.VerdictUnset, d.Verdict)
	assert.False(t, d.ActionTaken)
	assert.Equal(t, "c1", d.CycleID)
	assert.NotEmpty(t, d.Fingerprint)

	assert.Equal(t, "launch_campaign", res.Decisions[1].DecisionType)
	assert.Equal(t, "Rival cuts prices", res.Decisions[1].Content.SignalTitle)

	// the trigger rejected the low impact signal and "pricing" is only proposed
	require.Len(t, res.Gaps, 2)
	assert.Equal(t, "Rival launches promo", res.Gaps[0].SignalTitle)
	assert.Equal(t, contracts.GapObservation{Category: "pricing", SignalTitle: "Supplier price increase", Source: "market"}, res.Gaps[1])
}

func TestDecide_NoCapabilitiesOnlyGaps(t *testing.T) {
	e := newEngine(t)
	res, err := e.Decide(context.Background(), Input{
		CompanyID:    "acme",
		Department:   contracts.DepartmentSales,
		Intelligence: intel(contracts.Signal{Title: "x", Category: "lead"}),
		Now:          now,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Decisions)
	assert.Len(t, res.Gaps, 1)
}

func TestDecide_DuplicateTitlesAcrossFetches(t *testing.T) {
	e := newEngine(t)
	in := Input{
		CompanyID:    "acme",
		Department:   contracts.DepartmentMarketing,
		Capabilities: marketingCaps(),
		Intelligence: []*contracts.IntelligenceSignal{
			{Source: "a", Signals: []contracts.Signal{{Title: "Video Trend", Category: "trend"}}},
			{Source: "b", Signals: []contracts.Signal{{Title: "video  trend", Category: "trend"}}},
		},
		Now: now,
	}
	res, err := e.Decide(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, res.Decisions, 1)
}

func TestDecide_NegativeStreakRaisesRisk(t *testing.T) {
	e := newEngine(t)
	lessons := []*contracts.Lesson{
		{DecisionType: "publish_content", Outcome: contracts.OutcomeNegative},
		{DecisionType: "publish_content", Outcome: contracts.OutcomePending},
		{DecisionType: "publish_content", Outcome: contracts.OutcomeNegative},
		{DecisionType: "publish_content", Outcome: contracts.OutcomeNegative},
		{DecisionType: "publish_content", Outcome: contracts.OutcomePositive},
	}
	res, err := e.Decide(context.Background(), Input{
		CompanyID:    "acme",
		Department:   contracts.DepartmentMarketing,
		Capabilities: marketingCaps(),
		Intelligence: intel(contracts.Signal{Title: "trend", Category: "trend"}),
		Lessons:      lessons,
		Now:          now,
	})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, contracts.RiskMedium, res.Decisions[0].Content.RiskLevel)
	assert.Contains(t, res.Decisions[0].Content.RiskFactors, "negative_streak:3")
}

func TestDecide_OrdersByPositiveHistory(t *testing.T) {
	e := newEngine(t)
	lessons := []*contracts.Lesson{
		{DecisionType: "launch_campaign", Outcome: contracts.OutcomePositive},
		{DecisionType: "launch_campaign", Outcome: contracts.OutcomePositive},
		{DecisionType: "publish_content", Outcome: contracts.OutcomePending},
	}
	res, err := e.Decide(context.Background(), Input{
		CompanyID:    "acme",
		Department:   contracts.DepartmentMarketing,
		Capabilities: marketingCaps(),
		Intelligence: intel(
			contracts.Signal{Title: "trend", Category: "trend"},
			contracts.Signal{Title: "rival", Category: "competitor", Impact: contracts.RiskHigh},
		),
		Lessons: lessons,
		Now:     now,
	})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, "launch_campaign", res.Decisions[0].DecisionType)
}

func TestDecide_MissingRiskStaysEmpty(t *testing.T) {
	e := newEngine(t)
	caps := []*contracts.Capability{{
		Code: "x", Status: contracts.CapabilityTrial, DecisionType: "unclassified",
		AgentID: "unknown-agent", SignalCategories: []string{"misc"},
	}}
	res, err := e.Decide(context.Background(), Input{
		CompanyID:    "acme",
		Department:   contracts.DepartmentOperations,
		Capabilities: caps,
		Intelligence: intel(contracts.Signal{Title: "t", Category: "misc"}),
		Now:          now,
	})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, contracts.RiskLevel(""), res.Decisions[0].Content.RiskLevel)
	assert.Equal(t, int64(10), res.Decisions[0].Content.EstimatedCredits)
}

func TestFingerprint_StableWithinDay(t *testing.T) {
	d := &contracts.Decision{CompanyID: "acme", Department: contracts.DepartmentMarketing, DecisionType: "publish_content", CapabilityCode: "content_publishing"}

	a, err := Fingerprint(d, "video trend", now)
	require.NoError(t, err)
	b, err := Fingerprint(d, "video trend", now.Add(3*time.Hour))
	require.NoError(t, err)
	c, err := Fingerprint(d, "video trend", now.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestValidateTrigger(t *testing.T) {
	e := newEngine(t)
	assert.NoError(t, e.ValidateTrigger(""))
	assert.NoError(t, e.ValidateTrigger(`signal.relevance > 0.5`))
	assert.Error(t, e.ValidateTrigger(`signal.relevance >`))
}
