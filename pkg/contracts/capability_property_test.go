//go:build property
// +build property

package contracts

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allStatuses = []CapabilityStatus{
	CapabilityProposed, CapabilityTrial, CapabilityActive, CapabilityDeprecated, CapabilityUnknown,
}

// TestCapabilityLifecycle walks random transition sequences from proposed.
// Property: every accepted step is an edge of the lifecycle graph, and
// neither active nor deprecated ever moves again.
func TestCapabilityLifecycle(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("walks stay on the graph", prop.ForAll(
		func(steps []int) bool {
			cur := CapabilityProposed
			for _, i := range steps {
				next := allStatuses[i]
				if !cur.CanTransition(next) {
					continue
				}
				if cur == CapabilityActive || cur == CapabilityDeprecated {
					return false
				}
				if next == CapabilityProposed || next == CapabilityUnknown {
					return false
				}
				cur = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.Property("only trial and active are usable", prop.ForAll(
		func(i int) bool {
			s := allStatuses[i]
			return s.IsActive() == (s == CapabilityTrial || s == CapabilityActive)
		},
		gen.IntRange(0, len(allStatuses)-1),
	))

	properties.TestingRun(t)
}
