//go:build property
// +build property

package budget

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLedgerCapInvariant verifies that granted credits never exceed the limit.
// Property: sum(granted reservations) + used <= limit for any sequence of costs.
func TestLedgerCapInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reservations stay within the daily cap", prop.ForAll(
		func(used, limit int64, costs []int64) bool {
			usage := newFakeUsage()
			usage.add("c1", used)
			l := NewLedger(usage)

			granted := used
			for _, c := range costs {
				if _, _, err := l.Reserve(context.Background(), "c1", c, limit); err == nil {
					granted += c
				}
			}
			return used > limit || granted <= limit
		},
		gen.Int64Range(0, 500),
		gen.Int64Range(0, 500),
		gen.SliceOf(gen.Int64Range(0, 100)),
	))

	properties.TestingRun(t)
}
