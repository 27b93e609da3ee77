// Package department implements the Department Registry: per-company
// department configuration, maturity unlocking and the autopilot toggle.
package department

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

// Registry manages department configuration.
type Registry struct {
	store    store.DepartmentStore
	maturity MaturityProvider
	prereqs  PrerequisiteSource
	policy   *config.Policy
	clock    func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates a registry.
func NewRegistry(st store.DepartmentStore, maturity MaturityProvider, prereqs PrerequisiteSource, policy *config.Policy) *Registry {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	return &Registry{
		store:    st,
		maturity: maturity,
		prereqs:  prereqs,
		policy:   policy,
		clock:    time.Now,
		logger:   slog.Default().With("component", "department"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Onboard creates every department for a company with policy defaults.
// Departments that already exist are left untouched.
func (r *Registry) Onboard(ctx context.Context, companyID string) ([]*contracts.Department, error) {
	if companyID == "" {
		return nil, fmt.Errorf("department: empty company id")
	}
	now := r.clock()
	for _, dt := range contracts.AllDepartments {
		dp := r.policy.Department(dt)
		required := contracts.ParseMaturityLevel(dp.RequiredMaturity)
		if required == contracts.MaturityUnknown {
			required = contracts.MaturityStarter
		}
		d := &contracts.Department{
			ID:               uuid.New().String(),
			CompanyID:        companyID,
			Type:             dt,
			Enabled:          true,
			AutopilotEnabled: false,
			RequiredMaturity: required,
			DailyCreditCap:   dp.DailyCreditCap,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := r.store.CreateDepartment(ctx, d); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("onboard %s: %w", dt, err)
		}
	}
	r.logger.InfoContext(ctx, "company onboarded", "company_id", companyID)
	return r.store.ListDepartments(ctx, companyID)
}

// Get returns one department.
func (r *Registry) Get(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.Department, error) {
	if !dept.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDepartment, dept)
	}
	return r.store.GetDepartment(ctx, companyID, dept)
}

// ListDepartments returns every department of a company.
func (r *Registry) ListDepartments(ctx context.Context, companyID string) ([]*contracts.Department, error) {
	return r.store.ListDepartments(ctx, companyID)
}

// IsUnlocked reports whether maturity meets the department's threshold.
func IsUnlocked(d *contracts.Department, maturity contracts.MaturityLevel) bool {
	return maturity.AtLeast(d.RequiredMaturity)
}

// IsUnlocked resolves the company's maturity and checks the department threshold.
func (r *Registry) IsUnlocked(ctx context.Context, companyID string, dept contracts.DepartmentType) (bool, error) {
	d, err := r.Get(ctx, companyID, dept)
	if err != nil {
		return false, err
	}
	m, err := r.maturity.Maturity(ctx, companyID)
	if err != nil {
		return false, fmt.Errorf("maturity for %s: %w", companyID, err)
	}
	return IsUnlocked(d, m), nil
}

// ToggleAutopilot turns a department's autopilot on or off.
//
// Turning off always succeeds. Turning on fails fast with *LockedError when
// the company's maturity is below the threshold, with *PrerequisiteError when
// department data is missing, and with ErrDisabled for disabled departments.
func (r *Registry) ToggleAutopilot(ctx context.Context, companyID string, dept contracts.DepartmentType, enabled bool) (*contracts.Department, error) {
	d, err := r.Get(ctx, companyID, dept)
	if err != nil {
		return nil, err
	}
	if !enabled {
		if !d.AutopilotEnabled {
			return d, nil
		}
		d.AutopilotEnabled = false
		d.UpdatedAt = r.clock()
		if err := r.store.UpdateDepartment(ctx, d); err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "autopilot disabled", "company_id", companyID, "department", dept)
		return d, nil
	}

	if !d.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, dept)
	}
	m, err := r.maturity.Maturity(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("maturity for %s: %w", companyID, err)
	}
	if !IsUnlocked(d, m) {
		return nil, &LockedError{CompanyID: companyID, Department: dept, Required: d.RequiredMaturity, Current: m}
	}
	p, err := r.prereqs.Prerequisites(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("prerequisites for %s: %w", companyID, err)
	}
	if perr := Check(companyID, dept, p); perr != nil {
		r.logger.InfoContext(ctx, "autopilot toggle rejected", "company_id", companyID, "department", dept, "reason", perr.Error())
		return nil, perr
	}

	d.AutopilotEnabled = true
	d.UpdatedAt = r.clock()
	if err := r.store.UpdateDepartment(ctx, d); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "autopilot enabled", "company_id", companyID, "department", dept)
	return d, nil
}

// SetEnabled disables or re-enables a department. Disabling also turns autopilot off.
func (r *Registry) SetEnabled(ctx context.Context, companyID string, dept contracts.DepartmentType, enabled bool) (*contracts.Department, error) {
	d, err := r.Get(ctx, companyID, dept)
	if err != nil {
		return nil, err
	}
	d.Enabled = enabled
	if !enabled {
		d.AutopilotEnabled = false
	}
	d.UpdatedAt = r.clock()
	if err := r.store.UpdateDepartment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SetDailyCreditCap changes a department's daily credit cap.
func (r *Registry) SetDailyCreditCap(ctx context.Context, companyID string, dept contracts.DepartmentType, limit int64) (*contracts.Department, error) {
	if limit < 0 {
		return nil, fmt.Errorf("department: negative daily credit cap %d", limit)
	}
	d, err := r.Get(ctx, companyID, dept)
	if err != nil {
		return nil, err
	}
	d.DailyCreditCap = limit
	d.UpdatedAt = r.clock()
	if err := r.store.UpdateDepartment(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}
