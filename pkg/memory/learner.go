// Package memory implements LEARN: grading executed decisions into lessons
// that bias future decisions and feed the Enterprise IQ.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// ErrNotPending is returned when resolving a lesson that is already graded.
var ErrNotPending = errors.New("memory: lesson is not pending")

// Learner records and resolves lessons.
type Learner struct {
	store  store.LessonStore
	policy *config.Policy
	clock  func() time.Time
	logger *slog.Logger
}

// NewLearner creates a learner.
func NewLearner(st store.LessonStore, policy *config.Policy) *Learner {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	return &Learner{
		store:  st,
		policy: policy,
		clock:  time.Now,
		logger: slog.Default().With("component", "memory"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Learner) WithClock(clock func() time.Time) *Learner {
	l.clock = clock
	return l
}

// Evaluate grades an execution result against the department baseline.
//
//	failed or budget-blocked          -> negative
//	completed, engagement measured    -> positive when >= baseline, else neutral
//	completed, content generated      -> positive when >= baseline, else neutral
//	completed, nothing measurable yet -> pending
func Evaluate(res *contracts.ExecutionResult, baseline float64) (contracts.OutcomeEvaluation, *float64) {
	switch res.Status {
	case contracts.ExecutionFailed, contracts.ExecutionBlocked:
		return contracts.OutcomeNegative, nil
	case contracts.ExecutionCompleted:
	default:
		return contracts.OutcomeNeutral, nil
	}
	if res.Engagement != nil {
		score := *res.Engagement
		if score >= baseline {
			return contracts.OutcomePositive, &score
		}
		return contracts.OutcomeNeutral, &score
	}
	if res.ContentGenerated > 0 {
		score := float64(res.ContentGenerated)
		if score >= baseline {
			return contracts.OutcomePositive, &score
		}
		return contracts.OutcomeNeutral, &score
	}
	return contracts.OutcomePending, nil
}

// RecordOutcome writes the lesson of an executed (or budget-blocked) decision.
// One lesson is kept per decision.
func (l *Learner) RecordOutcome(ctx context.Context, d *contracts.Decision, res *contracts.ExecutionResult) (*contracts.Lesson, error) {
	baseline := l.policy.Department(d.Department).OutcomeBaseline
	outcome, score := Evaluate(res, baseline)
	now := l.clock()
	lesson := &contracts.Lesson{
		ID:             uuid.New().String(),
		CompanyID:      d.CompanyID,
		Department:     d.Department,
		DecisionID:     d.ID,
		DecisionType:   d.DecisionType,
		CapabilityCode: d.CapabilityCode,
		Outcome:        outcome,
		Score:          score,
		Text:           lessonText(d, res, outcome),
		CreatedAt:      now,
	}
	if outcome != contracts.OutcomePending {
		lesson.ResolvedAt = &now
	}
	if err := l.store.CreateLesson(ctx, lesson); err != nil {
		return nil, fmt.Errorf("record lesson for %s: %w", d.ID, err)
	}
	l.logger.InfoContext(ctx, "lesson recorded",
		"company_id", d.CompanyID, "department", d.Department, "decision_id", d.ID, "outcome", outcome)
	return lesson, nil
}

// ResolvePending grades a pending lesson once engagement data arrives.
func (l *Learner) ResolvePending(ctx context.Context, lessonID string, engagement float64) (*contracts.Lesson, error) {
	lesson, err := l.store.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson.Outcome != contracts.OutcomePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, lessonID, lesson.Outcome)
	}
	outcome := contracts.OutcomeNeutral
	if engagement >= l.policy.Department(lesson.Department).OutcomeBaseline {
		outcome = contracts.OutcomePositive
	}
	text := fmt.Sprintf("%s resolved %s with engagement %.2f", lesson.DecisionType, outcome, engagement)
	now := l.clock()
	if err := l.store.ResolveLesson(ctx, lessonID, outcome, &engagement, text, now); err != nil {
		return nil, err
	}
	lesson.Outcome, lesson.Score, lesson.Text, lesson.ResolvedAt = outcome, &engagement, text, &now
	return lesson, nil
}

// PositiveCount counts positive lessons of a decision type. Pending lessons never count.
func (l *Learner) PositiveCount(ctx context.Context, companyID string, dept contracts.DepartmentType, decisionType string) (int, error) {
	lessons, err := l.store.ListLessons(ctx, store.LessonFilter{
		CompanyID:    companyID,
		Department:   dept,
		DecisionType: decisionType,
		Outcomes:     []contracts.OutcomeEvaluation{contracts.OutcomePositive},
	})
	if err != nil {
		return 0, err
	}
	return len(lessons), nil
}

// Recent returns the department's newest lessons, bounded by the learning history window.
func (l *Learner) Recent(ctx context.Context, companyID string, dept contracts.DepartmentType) ([]*contracts.Lesson, error) {
	return l.store.ListLessons(ctx, store.LessonFilter{
		CompanyID:  companyID,
		Department: dept,
		Limit:      l.policy.Learning.HistoryWindow,
	})
}

func lessonText(d *contracts.Decision, res *contracts.ExecutionResult, outcome contracts.OutcomeEvaluation) string {
	switch res.Status {
	case contracts.ExecutionFailed:
		return fmt.Sprintf("%s via %s failed: %s", d.DecisionType, d.AgentToExecute, res.ErrorMessage)
	case contracts.ExecutionBlocked:
		return fmt.Sprintf("%s was approved but blocked by the daily credit cap", d.DecisionType)
	}
	if outcome == contracts.OutcomePending {
		return fmt.Sprintf("%s completed; awaiting engagement data", d.DecisionType)
	}
	return fmt.Sprintf("%s completed with %d content items: %s", d.DecisionType, res.ContentGenerated, outcome)
}
