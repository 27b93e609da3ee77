package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS departments (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	department TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	autopilot_enabled BOOLEAN NOT NULL,
	required_maturity TEXT NOT NULL,
	daily_credit_cap BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (company_id, department)
);
CREATE TABLE IF NOT EXISTS intelligence_cache (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	source TEXT NOT NULL,
	raw_payload TEXT,
	signals TEXT,
	relevance_score DOUBLE PRECISION,
	fetched_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	department TEXT NOT NULL,
	cycle_id TEXT,
	decision_type TEXT NOT NULL,
	description TEXT,
	agent_to_execute TEXT,
	capability_code TEXT,
	content_data TEXT,
	guardrail_result TEXT NOT NULL DEFAULT '',
	action_taken BOOLEAN NOT NULL DEFAULT FALSE,
	fingerprint TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_fingerprint ON decisions (company_id, fingerprint);
CREATE TABLE IF NOT EXISTS execution_log (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	department TEXT NOT NULL,
	cycle_id TEXT,
	decision_id TEXT,
	agent_id TEXT,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	duration_ms BIGINT,
	content_generated INTEGER,
	content_approved INTEGER,
	content_rejected INTEGER,
	credits_consumed BIGINT,
	rule TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_log_company ON execution_log (company_id, created_at);
CREATE TABLE IF NOT EXISTS capabilities (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	department TEXT NOT NULL,
	capability_code TEXT NOT NULL,
	family TEXT NOT NULL,
	version TEXT NOT NULL,
	display_name TEXT,
	description TEXT,
	status TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	source TEXT NOT NULL,
	decision_type TEXT,
	agent_id TEXT,
	signal_categories TEXT,
	trigger_expr TEXT,
	risk_level TEXT,
	proposed_reason TEXT,
	gap_evidence TEXT,
	trial_expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (company_id, department, capability_code)
);
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL UNIQUE,
	company_id TEXT NOT NULL,
	department TEXT NOT NULL,
	verdict TEXT NOT NULL,
	content_type TEXT,
	content_data TEXT,
	rule TEXT,
	status TEXT NOT NULL,
	reviewer_tier TEXT NOT NULL,
	reviewer_id TEXT,
	reviewed_at TIMESTAMP,
	dispatched_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS memory (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	department TEXT NOT NULL,
	decision_id TEXT UNIQUE,
	decision_type TEXT NOT NULL,
	capability_code TEXT,
	outcome_evaluation TEXT NOT NULL,
	outcome_score DOUBLE PRECISION,
	lesson TEXT,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
`

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// filter accumulates WHERE conditions with positional placeholders.
type filter struct {
	conds []string
	args  []any
}

// eq adds "col = $N".
func (f *filter) eq(col string, v any) {
	f.args = append(f.args, v)
	f.conds = append(f.conds, fmt.Sprintf("%s = $%d", col, len(f.args)))
}

func (f *filter) op(col, op string, v any) {
	f.args = append(f.args, v)
	f.conds = append(f.conds, fmt.Sprintf("%s %s $%d", col, op, len(f.args)))
}

func (f *filter) raw(cond string) {
	f.conds = append(f.conds, cond)
}

func (f *filter) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		f.args = append(f.args, v)
		ph[i] = fmt.Sprintf("$%d", len(f.args))
	}
	f.conds = append(f.conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")))
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func (f *filter) limit(n int) string {
	if n <= 0 {
		return ""
	}
	f.args = append(f.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(f.args))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// --- departments ---

const departmentColumns = `id, company_id, department, enabled, autopilot_enabled, required_maturity, daily_credit_cap, created_at, updated_at`

func scanDepartment(row scanner) (*contracts.Department, error) {
	var (
		d        contracts.Department
		dept     string
		maturity string
	)
	if err := row.Scan(&d.ID, &d.CompanyID, &dept, &d.Enabled, &d.AutopilotEnabled, &maturity, &d.DailyCreditCap, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Type = contracts.ParseDepartmentType(dept)
	d.RequiredMaturity = contracts.ParseMaturityLevel(maturity)
	return &d, nil
}

func (s *SQLStore) CreateDepartment(ctx context.Context, d *contracts.Department) error {
	query := `
		INSERT INTO departments (` + departmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		d.ID, d.CompanyID, string(d.Type), d.Enabled, d.AutopilotEnabled, string(d.RequiredMaturity), d.DailyCreditCap, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("department %s/%s: %w", d.CompanyID, d.Type, ErrConflict)
	}
	return nil
}

func (s *SQLStore) GetDepartment(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.Department, error) {
	query := `SELECT ` + departmentColumns + ` FROM departments WHERE company_id = $1 AND department = $2`
	d, err := scanDepartment(s.db.QueryRowContext(ctx, query, companyID, string(dept)))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("department %s/%s", companyID, dept))
	}
	return d, nil
}

func (s *SQLStore) UpdateDepartment(ctx context.Context, d *contracts.Department) error {
	query := `
		UPDATE departments
		SET enabled = $1, autopilot_enabled = $2, required_maturity = $3, daily_credit_cap = $4, updated_at = $5
		WHERE company_id = $6 AND department = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		d.Enabled, d.AutopilotEnabled, string(d.RequiredMaturity), d.DailyCreditCap, d.UpdatedAt.UTC(), d.CompanyID, string(d.Type),
	)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("department %s/%s: %w", d.CompanyID, d.Type, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) listDepartments(ctx context.Context, query string, args ...any) ([]*contracts.Department, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Department, 0)
	for rows.Next() {
		d, err := scanDepartment(rows)
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

func (s *SQLStore) ListDepartments(ctx context.Context, companyID string) ([]*contracts.Department, error) {
	query := `SELECT ` + departmentColumns + ` FROM departments WHERE company_id = $1 ORDER BY created_at, department`
	return s.listDepartments(ctx, query, companyID)
}

func (s *SQLStore) ListAutopilotDepartments(ctx context.Context) ([]*contracts.Department, error) {
	query := `SELECT ` + departmentColumns + ` FROM departments WHERE enabled = $1 AND autopilot_enabled = $2 ORDER BY company_id, department`
	return s.listDepartments(ctx, query, true, true)
}
