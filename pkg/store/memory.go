package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// MemoryStore is an in-process Store used by tests, shadow runs and dev mode.
// Records are kept in insertion order and copied on the way in and out.
type MemoryStore struct {
	mu           sync.RWMutex
	departments  []*contracts.Department
	signals      []*contracts.IntelligenceSignal
	decisions    []*contracts.Decision
	logs         []*contracts.ExecutionLogEntry
	capabilities []*contracts.Capability
	approvals    []*contracts.ApprovalRequest
	lessons      []*contracts.Lesson
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

// --- departments ---

func (m *MemoryStore) CreateDepartment(_ context.Context, d *contracts.Department) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.departments {
		if x.ID == d.ID || (x.CompanyID == d.CompanyID && x.Type == d.Type) {
			return fmt.Errorf("department %s/%s: %w", d.CompanyID, d.Type, ErrConflict)
		}
	}
	cp := *d
	m.departments = append(m.departments, &cp)
	return nil
}

func (m *MemoryStore) GetDepartment(_ context.Context, companyID string, dept contracts.DepartmentType) (*contracts.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, x := range m.departments {
		if x.CompanyID == companyID && x.Type == dept {
			cp := *x
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("department %s/%s: %w", companyID, dept, ErrNotFound)
}

func (m *MemoryStore) UpdateDepartment(_ context.Context, d *contracts.Department) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.departments {
		if x.CompanyID == d.CompanyID && x.Type == d.Type {
			cp := *d
			cp.ID = x.ID
			cp.CreatedAt = x.CreatedAt
			m.departments[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("department %s/%s: %w", d.CompanyID, d.Type, ErrNotFound)
}

func (m *MemoryStore) ListDepartments(_ context.Context, companyID string) ([]*contracts.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Department, 0)
	for _, x := range m.departments {
		if x.CompanyID == companyID {
			cp := *x
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAutopilotDepartments(_ context.Context) ([]*contracts.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Department, 0)
	for _, x := range m.departments {
		if x.Enabled && x.AutopilotEnabled {
			cp := *x
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- intelligence ---

func (m *MemoryStore) AppendSignal(_ context.Context, s *contracts.IntelligenceSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.signals = append(m.signals, &cp)
	return nil
}

func (m *MemoryStore) ListSignals(_ context.Context, f IntelligenceFilter) ([]*contracts.IntelligenceSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.IntelligenceSignal, 0)
	for i := len(m.signals) - 1; i >= 0; i-- {
		s := m.signals[i]
		if f.CompanyID != "" && s.CompanyID != f.CompanyID {
			continue
		}
		if f.Source != "" && s.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && s.FetchedAt.Before(f.Since) {
			continue
		}
		cp := *s
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// --- decisions ---

func (m *MemoryStore) CreateDecision(_ context.Context, d *contracts.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.decisions {
		if x.ID == d.ID {
			return fmt.Errorf("decision %s: %w", d.ID, ErrConflict)
		}
	}
	cp := *d
	m.decisions = append(m.decisions, &cp)
	return nil
}

func (m *MemoryStore) findDecision(id string) *contracts.Decision {
	for _, x := range m.decisions {
		if x.ID == id {
			return x
		}
	}
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, id string) (*contracts.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.findDecision(id)
	if d == nil {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) SetVerdict(_ context.Context, id string, from, to contracts.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.findDecision(id)
	if d == nil {
		return fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if d.Verdict != from || !from.CanTransition(to) {
		return &contracts.TransitionError{Entity: "decision", ID: id, From: string(d.Verdict), To: string(to)}
	}
	d.Verdict = to
	return nil
}

func (m *MemoryStore) MarkActionTaken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.findDecision(id)
	if d == nil {
		return fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if d.ActionTaken || d.Verdict != contracts.VerdictApproved {
		return fmt.Errorf("decision %s action_taken: %w", id, ErrConflict)
	}
	d.ActionTaken = true
	return nil
}

func (m *MemoryStore) FindDecisionByFingerprint(_ context.Context, companyID, fingerprint string) (*contracts.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.decisions) - 1; i >= 0; i-- {
		d := m.decisions[i]
		if d.CompanyID == companyID && d.Fingerprint == fingerprint {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("decision fingerprint %s: %w", fingerprint, ErrNotFound)
}

func (m *MemoryStore) ListDecisions(_ context.Context, f DecisionFilter) ([]*contracts.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Decision, 0)
	for i := len(m.decisions) - 1; i >= 0; i-- {
		d := m.decisions[i]
		if f.CompanyID != "" && d.CompanyID != f.CompanyID {
			continue
		}
		if f.Department != "" && d.Department != f.Department {
			continue
		}
		if f.DecisionType != "" && d.DecisionType != f.DecisionType {
			continue
		}
		if f.CycleID != "" && d.CycleID != f.CycleID {
			continue
		}
		if len(f.Verdicts) > 0 && !containsVerdict(f.Verdicts, d.Verdict) {
			continue
		}
		if f.NotActed && d.ActionTaken {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// --- execution log ---

func (m *MemoryStore) AppendLog(_ context.Context, e *contracts.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.logs = append(m.logs, &cp)
	return nil
}

func (f LogFilter) matches(e *contracts.ExecutionLogEntry) bool {
	if f.CompanyID != "" && e.CompanyID != f.CompanyID {
		return false
	}
	if f.Department != "" && e.Department != f.Department {
		return false
	}
	if f.CycleID != "" && e.CycleID != f.CycleID {
		return false
	}
	if f.DecisionID != "" && e.DecisionID != f.DecisionID {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.SummaryOnly && e.DecisionID != "" {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) ListLogs(_ context.Context, f LogFilter) ([]*contracts.ExecutionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.ExecutionLogEntry, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		if !f.matches(m.logs[i]) {
			continue
		}
		cp := *m.logs[i]
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CountLogs(_ context.Context, f LogFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.logs {
		if f.matches(e) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SumCredits(_ context.Context, companyID string, since, until time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, e := range m.logs {
		if e.CompanyID != companyID || e.Phase != contracts.PhaseAct || e.DecisionID == "" {
			continue
		}
		if e.CreatedAt.Before(since) || !e.CreatedAt.Before(until) {
			continue
		}
		total += e.CreditsConsumed
	}
	return total, nil
}

// --- capabilities ---

func (m *MemoryStore) CreateCapability(_ context.Context, c *contracts.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.capabilities {
		if x.ID == c.ID || (x.CompanyID == c.CompanyID && x.Department == c.Department && x.Code == c.Code) {
			return fmt.Errorf("capability %s: %w", c.Code, ErrConflict)
		}
	}
	cp := *c
	cp.IsActive = cp.Status.IsActive()
	m.capabilities = append(m.capabilities, &cp)
	return nil
}

func (m *MemoryStore) GetCapability(_ context.Context, id string) (*contracts.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, x := range m.capabilities {
		if x.ID == id {
			cp := *x
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("capability %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListCapabilities(_ context.Context, f CapabilityFilter) ([]*contracts.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Capability, 0)
	for _, c := range m.capabilities {
		if f.CompanyID != "" && c.CompanyID != f.CompanyID {
			continue
		}
		if f.Department != "" && c.Department != f.Department {
			continue
		}
		if f.Family != "" && c.Family != f.Family {
			continue
		}
		if f.Code != "" && c.Code != f.Code {
			continue
		}
		if len(f.Statuses) > 0 && !containsCapabilityStatus(f.Statuses, c.Status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) TransitionCapability(_ context.Context, id string, from, to contracts.CapabilityStatus, trialExpiresAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.capabilities {
		if c.ID != id {
			continue
		}
		if c.Status != from || !from.CanTransition(to) {
			return &contracts.TransitionError{Entity: "capability", ID: id, From: string(c.Status), To: string(to)}
		}
		c.Status = to
		c.IsActive = to.IsActive()
		c.TrialExpiresAt = trialExpiresAt
		c.UpdatedAt = at
		return nil
	}
	return fmt.Errorf("capability %s: %w", id, ErrNotFound)
}

// --- approvals ---

func (m *MemoryStore) CreateApproval(_ context.Context, a *contracts.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.approvals {
		if x.ID == a.ID || x.DecisionID == a.DecisionID {
			return fmt.Errorf("approval for decision %s: %w", a.DecisionID, ErrConflict)
		}
	}
	cp := *a
	m.approvals = append(m.approvals, &cp)
	return nil
}

func (m *MemoryStore) findApproval(id string) *contracts.ApprovalRequest {
	for _, x := range m.approvals {
		if x.ID == id {
			return x
		}
	}
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*contracts.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := m.findApproval(id)
	if a == nil {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, f ApprovalFilter) ([]*contracts.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.ApprovalRequest, 0)
	for _, a := range m.approvals {
		if f.CompanyID != "" && a.CompanyID != f.CompanyID {
			continue
		}
		if f.DecisionID != "" && a.DecisionID != f.DecisionID {
			continue
		}
		if len(f.Statuses) > 0 && !containsApprovalStatus(f.Statuses, a.Status) {
			continue
		}
		if f.Undispatched && a.DispatchedAt != nil {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ResolveApproval(_ context.Context, id string, status contracts.ApprovalStatus, reviewerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findApproval(id)
	if a == nil {
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if a.Status != contracts.ApprovalPendingReview || (status != contracts.ApprovalApproved && status != contracts.ApprovalRejected) {
		return &contracts.TransitionError{Entity: "approval", ID: id, From: string(a.Status), To: string(status)}
	}
	a.Status = status
	a.ReviewerID = reviewerID
	t := at
	a.ReviewedAt = &t
	return nil
}

func (m *MemoryStore) MarkApprovalDispatched(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findApproval(id)
	if a == nil {
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if a.Status != contracts.ApprovalApproved || a.DispatchedAt != nil {
		return fmt.Errorf("approval %s dispatched_at: %w", id, ErrConflict)
	}
	t := at
	a.DispatchedAt = &t
	return nil
}

// --- memory ---

func (m *MemoryStore) CreateLesson(_ context.Context, l *contracts.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.lessons {
		if x.ID == l.ID || (l.DecisionID != "" && x.DecisionID == l.DecisionID) {
			return fmt.Errorf("lesson for decision %s: %w", l.DecisionID, ErrConflict)
		}
	}
	cp := *l
	m.lessons = append(m.lessons, &cp)
	return nil
}

func (m *MemoryStore) GetLesson(_ context.Context, id string) (*contracts.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, x := range m.lessons {
		if x.ID == id {
			cp := *x
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("lesson %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListLessons(_ context.Context, f LessonFilter) ([]*contracts.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Lesson, 0)
	for i := len(m.lessons) - 1; i >= 0; i-- {
		l := m.lessons[i]
		if f.CompanyID != "" && l.CompanyID != f.CompanyID {
			continue
		}
		if f.Department != "" && l.Department != f.Department {
			continue
		}
		if f.DecisionType != "" && l.DecisionType != f.DecisionType {
			continue
		}
		if f.CapabilityCode != "" && l.CapabilityCode != f.CapabilityCode {
			continue
		}
		if len(f.Outcomes) > 0 && !containsOutcome(f.Outcomes, l.Outcome) {
			continue
		}
		if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ResolveLesson(_ context.Context, id string, outcome contracts.OutcomeEvaluation, score *float64, text string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lessons {
		if l.ID != id {
			continue
		}
		if l.Outcome != contracts.OutcomePending || outcome == contracts.OutcomePending {
			return &contracts.TransitionError{Entity: "lesson", ID: id, From: string(l.Outcome), To: string(outcome)}
		}
		l.Outcome = outcome
		l.Score = score
		if text != "" {
			l.Text = text
		}
		t := at
		l.ResolvedAt = &t
		return nil
	}
	return fmt.Errorf("lesson %s: %w", id, ErrNotFound)
}
