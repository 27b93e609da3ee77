//go:build property
// +build property

package guardrail

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/builderaio/buildera-io-sub006/pkg/budget"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// TestNeverApprovesUnsafe verifies the fail-safe side of the decision table.
// Property: approved implies risk in {low, medium}, headroom > 0 and no evaluation error.
func TestNeverApprovesUnsafe(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	e, err := NewEngine(nil, budget.NewLedger(store.NewMemoryStore()), nil, store.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	risks := []contracts.RiskLevel{"", "bogus", contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical}

	properties.Property("approved decisions are safe", prop.ForAll(
		func(riskIdx int, used, limit int64) bool {
			d := decisionWith(risks[riskIdx], "custom")
			state := budget.State{CompanyID: "acme", Used: used, Cap: limit}
			ev := e.Evaluate(context.Background(), d, state)
			if ev.Verdict != contracts.VerdictApproved {
				return ev.Verdict.Severity() > contracts.VerdictApproved.Severity()
			}
			return ev.Err == nil &&
				state.HeadroomPct() > 0 &&
				(ev.Risk == contracts.RiskLow || ev.Risk == contracts.RiskMedium)
		},
		gen.IntRange(0, len(risks)-1),
		gen.Int64Range(0, 300),
		gen.Int64Range(0, 200),
	))

	properties.TestingRun(t)
}
