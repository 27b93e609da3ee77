//go:build property
// +build property

package iq

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestScoreProperties checks that the score is a bounded, monotonic pure function.
func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("recomputing yields identical output", prop.ForAll(
		func(c, l, a int) bool {
			in := Inputs{Cycles: c, NonPendingLessons: l, ActiveCapabilities: a}
			return Score(in) == Score(in)
		},
		gen.IntRange(-10, 1000), gen.IntRange(-10, 1000), gen.IntRange(-10, 1000),
	))

	properties.Property("score stays within [0, 999]", prop.ForAll(
		func(c, l, a int) bool {
			s := Score(Inputs{Cycles: c, NonPendingLessons: l, ActiveCapabilities: a})
			return s >= 0 && s <= MaxScore
		},
		gen.IntRange(-10, 100000), gen.IntRange(-10, 100000), gen.IntRange(-10, 100000),
	))

	properties.Property("one more cycle never lowers the score", prop.ForAll(
		func(c, l, a int) bool {
			in := Inputs{Cycles: c, NonPendingLessons: l, ActiveCapabilities: a}
			more := in
			more.Cycles++
			return Score(more) >= Score(in)
		},
		gen.IntRange(0, 1000), gen.IntRange(0, 1000), gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
