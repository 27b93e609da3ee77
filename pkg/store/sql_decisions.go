package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

const decisionColumns = `id, company_id, department, cycle_id, decision_type, description, agent_to_execute, capability_code, content_data, guardrail_result, action_taken, fingerprint, created_at`

func scanDecision(row scanner) (*contracts.Decision, error) {
	var (
		d                                     contracts.Decision
		dept, verdict                         string
		cycleID, agent, code, content, fprint sql.NullString
	)
	if err := row.Scan(&d.ID, &d.CompanyID, &dept, &cycleID, &d.DecisionType, &d.Description, &agent, &code, &content, &verdict, &d.ActionTaken, &fprint, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Department = contracts.ParseDepartmentType(dept)
	d.Verdict = contracts.ParseVerdict(verdict)
	d.CycleID = cycleID.String
	d.AgentToExecute = agent.String
	d.CapabilityCode = code.String
	d.Fingerprint = fprint.String
	if content.Valid && content.String != "" {
		if err := json.Unmarshal([]byte(content.String), &d.Content); err != nil {
			return nil, fmt.Errorf("decision %s content_data: %w", d.ID, err)
		}
	}
	return &d, nil
}

func (s *SQLStore) CreateDecision(ctx context.Context, d *contracts.Decision) error {
	content, err := json.Marshal(d.Content)
	if err != nil {
		return fmt.Errorf("decision %s content_data: %w", d.ID, err)
	}
	query := `
		INSERT INTO decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.CompanyID, string(d.Department), d.CycleID, d.DecisionType, d.Description, d.AgentToExecute,
		d.CapabilityCode, string(content), string(d.Verdict), d.ActionTaken, d.Fingerprint, d.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetDecision(ctx context.Context, id string) (*contracts.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE id = $1`
	d, err := scanDecision(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "decision "+id)
	}
	return d, nil
}

func (s *SQLStore) SetVerdict(ctx context.Context, id string, from, to contracts.Verdict) error {
	if !from.CanTransition(to) {
		return &contracts.TransitionError{Entity: "decision", ID: id, From: string(from), To: string(to)}
	}
	query := `UPDATE decisions SET guardrail_result = $1 WHERE id = $2 AND guardrail_result = $3`
	res, err := s.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetDecision(ctx, id)
		if err != nil {
			return err
		}
		return &contracts.TransitionError{Entity: "decision", ID: id, From: string(current.Verdict), To: string(to)}
	}
	return nil
}

func (s *SQLStore) MarkActionTaken(ctx context.Context, id string) error {
	query := `UPDATE decisions SET action_taken = $1 WHERE id = $2 AND action_taken = $3 AND guardrail_result = $4`
	res, err := s.db.ExecContext(ctx, query, true, id, false, string(contracts.VerdictApproved))
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("decision %s action_taken: %w", id, ErrConflict)
	}
	return nil
}

func (s *SQLStore) FindDecisionByFingerprint(ctx context.Context, companyID, fingerprint string) (*contracts.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE company_id = $1 AND fingerprint = $2 ORDER BY created_at DESC LIMIT 1`
	d, err := scanDecision(s.db.QueryRowContext(ctx, query, companyID, fingerprint))
	if err != nil {
		return nil, notFound(err, "decision fingerprint "+fingerprint)
	}
	return d, nil
}

func (s *SQLStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]*contracts.Decision, error) {
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
	if f.CycleID != "" {
		q.eq("cycle_id", f.CycleID)
	}
	if len(f.Verdicts) > 0 {
		vals := make([]string, len(f.Verdicts))
		for i, v := range f.Verdicts {
			vals[i] = string(v)
		}
		q.in("guardrail_result", vals)
	}
	if f.NotActed {
		q.raw("action_taken = FALSE")
	}
	if !f.Since.IsZero() {
		q.op("created_at", ">=", f.Since.UTC())
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions` + q.where() + ` ORDER BY created_at DESC` + q.limit(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// --- execution log ---

const logColumns = `id, company_id, department, cycle_id, decision_id, agent_id, phase, status, started_at, completed_at, duration_ms, content_generated, content_approved, content_rejected, credits_consumed, rule, error_message, created_at`

func scanLog(row scanner) (*contracts.ExecutionLogEntry, error) {
	var (
		e                             contracts.ExecutionLogEntry
		dept, phase, status           string
		cycleID, decisionID, agent    sql.NullString
		rule, errMsg                  sql.NullString
		startedAt, completedAt        sql.NullTime
		duration, credits             sql.NullInt64
		generated, approved, rejected sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.CompanyID, &dept, &cycleID, &decisionID, &agent, &phase, &status,
		&startedAt, &completedAt, &duration, &generated, &approved, &rejected, &credits, &rule, &errMsg, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Department = contracts.ParseDepartmentType(dept)
	e.Phase = contracts.ParsePhase(phase)
	e.Status = contracts.ParseLogStatus(status)
	e.CycleID = cycleID.String
	e.DecisionID = decisionID.String
	e.AgentID = agent.String
	e.StartedAt = startedAt.Time
	e.CompletedAt = completedAt.Time
	e.DurationMs = duration.Int64
	e.ContentGenerated = int(generated.Int64)
	e.ContentApproved = int(approved.Int64)
	e.ContentRejected = int(rejected.Int64)
	e.CreditsConsumed = credits.Int64
	e.Rule = rule.String
	e.ErrorMessage = errMsg.String
	return &e, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, e *contracts.ExecutionLogEntry) error {
	query := `
		INSERT INTO execution_log (` + logColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.CompanyID, string(e.Department), e.CycleID, e.DecisionID, e.AgentID, string(e.Phase), string(e.Status),
		e.StartedAt.UTC(), e.CompletedAt.UTC(), e.DurationMs, e.ContentGenerated, e.ContentApproved, e.ContentRejected,
		e.CreditsConsumed, e.Rule, e.ErrorMessage, e.CreatedAt.UTC(),
	)
	return err
}

func (f LogFilter) toSQL() filter {
	var q filter
	if f.CompanyID != "" {
		q.eq("company_id", f.CompanyID)
	}
	if f.Department != "" {
		q.eq("department", string(f.Department))
	}
	if f.CycleID != "" {
		q.eq("cycle_id", f.CycleID)
	}
	if f.DecisionID != "" {
		q.eq("decision_id", f.DecisionID)
	}
	if f.Phase != "" {
		q.eq("phase", string(f.Phase))
	}
	if f.Status != "" {
		q.eq("status", string(f.Status))
	}
	if f.SummaryOnly {
		q.raw("(decision_id IS NULL OR decision_id = '')")
	}
	if !f.Since.IsZero() {
		q.op("created_at", ">=", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q.op("created_at", "<", f.Until.UTC())
	}
	return q
}

func (s *SQLStore) ListLogs(ctx context.Context, f LogFilter) ([]*contracts.ExecutionLogEntry, error) {
	q := f.toSQL()
	query := `SELECT ` + logColumns + ` FROM execution_log` + q.where() + ` ORDER BY created_at DESC` + q.limit(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.ExecutionLogEntry, 0)
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) CountLogs(ctx context.Context, f LogFilter) (int, error) {
	q := f.toSQL()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_log`+q.where(), q.args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) SumCredits(ctx context.Context, companyID string, since, until time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(credits_consumed), 0) FROM execution_log
		WHERE company_id = $1 AND phase = $2 AND decision_id <> '' AND created_at >= $3 AND created_at < $4
	`
	var total int64
	err := s.db.QueryRowContext(ctx, query, companyID, string(contracts.PhaseAct), since.UTC(), until.UTC()).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}
