// Package iq computes the Enterprise IQ score. The score is derived on demand
// from the store and is never persisted.
package iq

import (
	"context"
	"fmt"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// MaxScore caps the IQ.
const MaxScore = 999

const (
	cycleWeight      = 2
	lessonWeight     = 5
	capabilityWeight = 10
)

// Inputs are the counts the score is derived from.
type Inputs struct {
	Cycles             int `json:"cycles"`
	NonPendingLessons  int `json:"non_pending_lessons"`
	ActiveCapabilities int `json:"active_capabilities"`
}

// Result pairs a score with the inputs it was computed from.
type Result struct {
	CompanyID  string                   `json:"company_id"`
	Department contracts.DepartmentType `json:"department,omitempty"`
	Inputs     Inputs                   `json:"inputs"`
	Score      int                      `json:"score"`
}

// Score returns min(999, cycles*2 + nonPendingLessons*5 + activeCapabilities*10).
// Negative inputs count as zero.
func Score(in Inputs) int {
	s := clamp(in.Cycles)*cycleWeight +
		clamp(in.NonPendingLessons)*lessonWeight +
		clamp(in.ActiveCapabilities)*capabilityWeight
	return min(s, MaxScore)
}

func clamp(n int) int {
	return max(n, 0)
}

// Store is the read-only view the scorer needs.
type Store interface {
	CountLogs(ctx context.Context, f store.LogFilter) (int, error)
	ListLessons(ctx context.Context, f store.LessonFilter) ([]*contracts.Lesson, error)
	ListCapabilities(ctx context.Context, f store.CapabilityFilter) ([]*contracts.Capability, error)
}

// Scorer recomputes scores from the store.
type Scorer struct {
	store Store
}

// NewScorer creates a scorer.
func NewScorer(st Store) *Scorer {
	return &Scorer{store: st}
}

// Company scores a whole company.
func (s *Scorer) Company(ctx context.Context, companyID string) (*Result, error) {
	return s.score(ctx, companyID, "")
}

// Department scores one department of a company.
func (s *Scorer) Department(ctx context.Context, companyID string, dept contracts.DepartmentType) (*Result, error) {
	return s.score(ctx, companyID, dept)
}

func (s *Scorer) score(ctx context.Context, companyID string, dept contracts.DepartmentType) (*Result, error) {
	in, err := s.inputs(ctx, companyID, dept)
	if err != nil {
		return nil, err
	}
	return &Result{CompanyID: companyID, Department: dept, Inputs: in, Score: Score(in)}, nil
}

// inputs counts completed cycles (a completed learn summary closes a cycle),
// graded lessons and capabilities in active status. Trials do not count.
func (s *Scorer) inputs(ctx context.Context, companyID string, dept contracts.DepartmentType) (Inputs, error) {
	cycles, err := s.store.CountLogs(ctx, store.LogFilter{
		CompanyID:   companyID,
		Department:  dept,
		Phase:       contracts.PhaseLearn,
		Status:      contracts.LogCompleted,
		SummaryOnly: true,
	})
	if err != nil {
		return Inputs{}, fmt.Errorf("iq: count cycles: %w", err)
	}

	lessons, err := s.store.ListLessons(ctx, store.LessonFilter{
		CompanyID:  companyID,
		Department: dept,
		Outcomes:   []contracts.OutcomeEvaluation{contracts.OutcomePositive, contracts.OutcomeNegative, contracts.OutcomeNeutral},
	})
	if err != nil {
		return Inputs{}, fmt.Errorf("iq: list lessons: %w", err)
	}

	caps, err := s.store.ListCapabilities(ctx, store.CapabilityFilter{
		CompanyID:  companyID,
		Department: dept,
		Statuses:   []contracts.CapabilityStatus{contracts.CapabilityActive},
	})
	if err != nil {
		return Inputs{}, fmt.Errorf("iq: list capabilities: %w", err)
	}

	return Inputs{Cycles: cycles, NonPendingLessons: len(lessons), ActiveCapabilities: len(caps)}, nil
}
