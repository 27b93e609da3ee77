package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

const capabilityColumns = `id, company_id, department, capability_code, family, version, display_name, description, status, is_active, source, decision_type, agent_id, signal_categories, trigger_expr, risk_level, proposed_reason, gap_evidence, trial_expires_at, created_at, updated_at`

func scanCapability(row scanner) (*contracts.Capability, error) {
	var (
		c                                 contracts.Capability
		dept, status, source              string
		name, desc, decisionType, agent   sql.NullString
		categories, trigger, risk, reason sql.NullString
		evidence                          sql.NullString
		trialExpires                      sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.CompanyID, &dept, &c.Code, &c.Family, &c.Version, &name, &desc, &status, &c.IsActive, &source,
		&decisionType, &agent, &categories, &trigger, &risk, &reason, &evidence, &trialExpires, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Department = contracts.ParseDepartmentType(dept)
	c.Status = contracts.ParseCapabilityStatus(status)
	c.Source = contracts.CapabilitySource(source)
	c.Name = name.String
	c.Description = desc.String
	c.DecisionType = decisionType.String
	c.AgentID = agent.String
	c.TriggerExpr = trigger.String
	c.RiskLevel = contracts.ParseRiskLevel(risk.String)
	c.ProposedReason = reason.String
	c.TrialExpiresAt = timePtr(trialExpires)
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &c.SignalCategories); err != nil {
			return nil, fmt.Errorf("capability %s signal_categories: %w", c.ID, err)
		}
	}
	if evidence.Valid && evidence.String != "" {
		var g contracts.GapEvidence
		if err := json.Unmarshal([]byte(evidence.String), &g); err != nil {
			return nil, fmt.Errorf("capability %s gap_evidence: %w", c.ID, err)
		}
		c.GapEvidence = &g
	}
	return &c, nil
}

func (s *SQLStore) CreateCapability(ctx context.Context, c *contracts.Capability) error {
	categories, err := json.Marshal(c.SignalCategories)
	if err != nil {
		return err
	}
	var evidence sql.NullString
	if c.GapEvidence != nil {
		b, err := json.Marshal(c.GapEvidence)
		if err != nil {
			return err
		}
		evidence = sql.NullString{String: string(b), Valid: true}
	}
	query := `
		INSERT INTO capabilities (` + capabilityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		c.ID, c.CompanyID, string(c.Department), c.Code, c.Family, c.Version, c.Name, c.Description,
		string(c.Status), c.Status.IsActive(), string(c.Source), c.DecisionType, c.AgentID, string(categories),
		c.TriggerExpr, string(c.RiskLevel), c.ProposedReason, evidence, nullTime(c.TrialExpiresAt),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("capability %s: %w", c.Code, ErrConflict)
	}
	return nil
}

func (s *SQLStore) GetCapability(ctx context.Context, id string) (*contracts.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE id = $1`
	c, err := scanCapability(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "capability "+id)
	}
	return c, nil
}

func (s *SQLStore) ListCapabilities(ctx context.Context, f CapabilityFilter) ([]*contracts.Capability, error) {
	var q filter
	if f.CompanyID != "" {
		q.eq("company_id", f.CompanyID)
	}
	if f.Department != "" {
		q.eq("department", string(f.Department))
	}
	if f.Family != "" {
		q.eq("family", f.Family)
	}
	if f.Code != "" {
		q.eq("capability_code", f.Code)
	}
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		q.in("status", vals)
	}
	query := `SELECT ` + capabilityColumns + ` FROM capabilities` + q.where() + ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Capability, 0)
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) TransitionCapability(ctx context.Context, id string, from, to contracts.CapabilityStatus, trialExpiresAt *time.Time, at time.Time) error {
	if !from.CanTransition(to) {
		return &contracts.TransitionError{Entity: "capability", ID: id, From: string(from), To: string(to)}
	}
	query := `
		UPDATE capabilities
		SET status = $1, is_active = $2, trial_expires_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	res, err := s.db.ExecContext(ctx, query, string(to), to.IsActive(), nullTime(trialExpiresAt), at.UTC(), id, string(from))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetCapability(ctx, id)
		if err != nil {
			return err
		}
		return &contracts.TransitionError{Entity: "capability", ID: id, From: string(current.Status), To: string(to)}
	}
	return nil
}

// --- approvals ---

const approvalColumns = `id, decision_id, company_id, department, verdict, content_type, content_data, rule, status, reviewer_tier, reviewer_id, reviewed_at, dispatched_at, created_at`

func scanApproval(row scanner) (*contracts.ApprovalRequest, error) {
	var (
		a                                contracts.ApprovalRequest
		dept, verdict, status, tier      string
		contentType, content, rule, revr sql.NullString
		reviewedAt, dispatchedAt         sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.DecisionID, &a.CompanyID, &dept, &verdict, &contentType, &content, &rule, &status, &tier,
		&revr, &reviewedAt, &dispatchedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Department = contracts.ParseDepartmentType(dept)
	a.Verdict = contracts.ParseVerdict(verdict)
	a.Status = contracts.ParseApprovalStatus(status)
	a.RequiredTier = contracts.ParseReviewerTier(tier)
	a.ContentType = contentType.String
	a.Rule = rule.String
	a.ReviewerID = revr.String
	a.ReviewedAt = timePtr(reviewedAt)
	a.DispatchedAt = timePtr(dispatchedAt)
	if content.Valid && content.String != "" {
		if err := json.Unmarshal([]byte(content.String), &a.ContentData); err != nil {
			return nil, fmt.Errorf("approval %s content_data: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *SQLStore) CreateApproval(ctx context.Context, a *contracts.ApprovalRequest) error {
	content, err := json.Marshal(a.ContentData)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO approvals (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		a.ID, a.DecisionID, a.CompanyID, string(a.Department), string(a.Verdict), a.ContentType, string(content), a.Rule,
		string(a.Status), string(a.RequiredTier), a.ReviewerID, nullTime(a.ReviewedAt), nullTime(a.DispatchedAt), a.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("approval for decision %s: %w", a.DecisionID, ErrConflict)
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`
	a, err := scanApproval(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "approval "+id)
	}
	return a, nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*contracts.ApprovalRequest, error) {
	var q filter
	if f.CompanyID != "" {
		q.eq("company_id", f.CompanyID)
	}
	if f.DecisionID != "" {
		q.eq("decision_id", f.DecisionID)
	}
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		q.in("status", vals)
	}
	if f.Undispatched {
		q.raw("dispatched_at IS NULL")
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals` + q.where() + ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) ResolveApproval(ctx context.Context, id string, status contracts.ApprovalStatus, reviewerID string, at time.Time) error {
	if status != contracts.ApprovalApproved && status != contracts.ApprovalRejected {
		return &contracts.TransitionError{Entity: "approval", ID: id, From: string(contracts.ApprovalPendingReview), To: string(status)}
	}
	query := `
		UPDATE approvals SET status = $1, reviewer_id = $2, reviewed_at = $3
		WHERE id = $4 AND status = $5
	`
	res, err := s.db.ExecContext(ctx, query, string(status), reviewerID, at.UTC(), id, string(contracts.ApprovalPendingReview))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetApproval(ctx, id)
		if err != nil {
			return err
		}
		return &contracts.TransitionError{Entity: "approval", ID: id, From: string(current.Status), To: string(status)}
	}
	return nil
}

func (s *SQLStore) MarkApprovalDispatched(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE approvals SET dispatched_at = $1 WHERE id = $2 AND status = $3 AND dispatched_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, at.UTC(), id, string(contracts.ApprovalApproved))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("approval %s dispatched_at: %w", id, ErrConflict)
	}
	return nil
}

// --- memory ---

const lessonColumns = `id, company_id, department, decision_id, decision_type, capability_code, outcome_evaluation, outcome_score, lesson, created_at, resolved_at`

func scanLesson(row scanner) (*contracts.Lesson, error) {
	var (
		l                contracts.Lesson
		dept, outcome    string
		decisionID, text sql.NullString
		capabilityCode   sql.NullString
		score            sql.NullFloat64
		resolvedAt       sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.CompanyID, &dept, &decisionID, &l.DecisionType, &capabilityCode, &outcome, &score, &text, &l.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	l.Department = contracts.ParseDepartmentType(dept)
	l.Outcome = contracts.ParseOutcomeEvaluation(outcome)
	l.DecisionID = decisionID.String
	l.CapabilityCode = capabilityCode.String
	l.Text = text.String
	if score.Valid {
		v := score.Float64
		l.Score = &v
	}
	l.ResolvedAt = timePtr(resolvedAt)
	return &l, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func (s *SQLStore) CreateLesson(ctx context.Context, l *contracts.Lesson) error {
	query := `
		INSERT INTO memory (` + lessonColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		l.ID, l.CompanyID, string(l.Department), l.DecisionID, l.DecisionType, nullString(l.CapabilityCode), string(l.Outcome),
		nullFloat(l.Score), l.Text, l.CreatedAt.UTC(), nullTime(l.ResolvedAt),
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lesson for decision %s: %w", l.DecisionID, ErrConflict)
	}
	return nil
}

func (s *SQLStore) GetLesson(ctx context.Context, id string) (*contracts.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM memory WHERE id = $1`
	l, err := scanLesson(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "lesson "+id)
	}
	return l, nil
}

func (s *SQLStore) ListLessons(ctx context.Context, f LessonFilter) ([]*contracts.Lesson, error) {
	var q filter
	if f.CompanyID != "" {
		q.eq("company_id", f.CompanyID)
	}
	if f.Department != "" {
		q.eq("department", string(f.Department))
	}
	if f.DecisionType != "" {
		q.eq("decision_type", f.DecisionType)
	}
	if f.CapabilityCode != "" {
		q.eq("capability_code", f.CapabilityCode)
	}
	if len(f.Outcomes) > 0 {
		vals := make([]string, len(f.Outcomes))
		for i, o := range f.Outcomes {
			vals[i] = string(o)
		}
		q.in("outcome_evaluation", vals)
	}
	if !f.Since.IsZero() {
		q.op("created_at", ">=", f.Since.UTC())
	}
	query := `SELECT ` + lessonColumns + ` FROM memory` + q.where() + ` ORDER BY created_at DESC` + q.limit(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Lesson, 0)
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) ResolveLesson(ctx context.Context, id string, outcome contracts.OutcomeEvaluation, score *float64, text string, at time.Time) error {
	if outcome == contracts.OutcomePending {
		return &contracts.TransitionError{Entity: "lesson", ID: id, From: string(contracts.OutcomePending), To: string(outcome)}
	}
	query := `
		UPDATE memory SET outcome_evaluation = $1, outcome_score = $2, lesson = COALESCE(NULLIF($3, ''), lesson), resolved_at = $4
		WHERE id = $5 AND outcome_evaluation = $6
	`
	res, err := s.db.ExecContext(ctx, query, string(outcome), nullFloat(score), text, at.UTC(), id, string(contracts.OutcomePending))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetLesson(ctx, id)
		if err != nil {
			return err
		}
		return &contracts.TransitionError{Entity: "lesson", ID: id, From: string(current.Outcome), To: string(outcome)}
	}
	return nil
}

// --- intelligence ---

const signalColumns = `id, company_id, source, raw_payload, signals, relevance_score, fetched_at`

func (s *SQLStore) AppendSignal(ctx context.Context, sig *contracts.IntelligenceSignal) error {
	signals, err := json.Marshal(sig.Signals)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO intelligence_cache (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		sig.ID, sig.CompanyID, sig.Source, string(sig.RawPayload), string(signals), sig.RelevanceScore, sig.FetchedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListSignals(ctx context.Context, f IntelligenceFilter) ([]*contracts.IntelligenceSignal, error) {
	var q filter
	if f.CompanyID != "" {
		q.eq("company_id", f.CompanyID)
	}
	if f.Source != "" {
		q.eq("source", f.Source)
	}
	if !f.Since.IsZero() {
		q.op("fetched_at", ">=", f.Since.UTC())
	}
	query := `SELECT ` + signalColumns + ` FROM intelligence_cache` + q.where() + ` ORDER BY fetched_at DESC` + q.limit(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.IntelligenceSignal, 0)
	for rows.Next() {
		var (
			sig          contracts.IntelligenceSignal
			raw, signals sql.NullString
			score        sql.NullFloat64
		)
		if err := rows.Scan(&sig.ID, &sig.CompanyID, &sig.Source, &raw, &signals, &score, &sig.FetchedAt); err != nil {
			return nil, err
		}
		if raw.Valid && raw.String != "" {
			sig.RawPayload = json.RawMessage(raw.String)
		}
		if signals.Valid && signals.String != "" {
			if err := json.Unmarshal([]byte(signals.String), &sig.Signals); err != nil {
				return nil, fmt.Errorf("intelligence %s signals: %w", sig.ID, err)
			}
		}
		sig.RelevanceScore = score.Float64
		result = append(result, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
