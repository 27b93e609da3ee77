package department

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

type mockMaturity struct{ mock.Mock }

func (m *mockMaturity) Maturity(ctx context.Context, companyID string) (contracts.MaturityLevel, error) {
	args := m.Called(ctx, companyID)
	return args.Get(0).(contracts.MaturityLevel), args.Error(1)
}

func newRegistry(t *testing.T, policy *config.Policy) (*Registry, *ProfileStore) {
	t.Helper()
	profiles := NewProfileStore()
	r := NewRegistry(store.NewMemoryStore(), profiles, profiles, policy)
	_, err := r.Onboard(context.Background(), "acme")
	require.NoError(t, err)
	return r, profiles
}

func TestOnboard_CreatesAllDepartmentsOnce(t *testing.T) {
	r, _ := newRegistry(t, nil)
	ctx := context.Background()

	depts, err := r.Onboard(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, depts, len(contracts.AllDepartments))
	for _, d := range depts {
		assert.True(t, d.Enabled)
		assert.False(t, d.AutopilotEnabled)
	}

	legal, err := r.Get(ctx, "acme", contracts.DepartmentLegal)
	require.NoError(t, err)
	assert.Equal(t, contracts.MaturityEstablished, legal.RequiredMaturity)
}

// A marketing department requiring "growing" stays off for a starter company.
func TestToggleAutopilot_LockedDepartment(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Departments["marketing"] = config.DepartmentPolicy{RequiredMaturity: "growing", DailyCreditCap: 100}
	r, profiles := newRegistry(t, policy)
	profiles.Set("acme", Profile{Maturity: contracts.MaturityStarter, Prerequisites: Prerequisites{ConnectedChannels: 3}})
	ctx := context.Background()

	_, err := r.ToggleAutopilot(ctx, "acme", contracts.DepartmentMarketing, true)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, contracts.MaturityGrowing, locked.Required)
	assert.Equal(t, contracts.MaturityStarter, locked.Current)

	d, err := r.Get(ctx, "acme", contracts.DepartmentMarketing)
	require.NoError(t, err)
	assert.False(t, d.AutopilotEnabled)
}

func TestToggleAutopilot_MissingPrerequisites(t *testing.T) {
	r, profiles := newRegistry(t, nil)
	ctx := context.Background()
	profiles.Set("acme", Profile{Maturity: contracts.MaturityEnterprise, Prerequisites: Prerequisites{ContentItems: 4, Members: 1}})

	_, err := r.ToggleAutopilot(ctx, "acme", contracts.DepartmentMarketing, true)
	var perr *PrerequisiteError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.AnyOf)
	require.Len(t, perr.Missing, 2)
	assert.Equal(t, Shortfall{Name: "content_items", Have: 4, Need: 5}, perr.Missing[1])

	_, err = r.ToggleAutopilot(ctx, "acme", contracts.DepartmentHR, true)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "members", perr.Missing[0].Name)

	profiles.Set("acme", Profile{Maturity: contracts.MaturityEnterprise, Prerequisites: Prerequisites{ContentItems: 5}})
	d, err := r.ToggleAutopilot(ctx, "acme", contracts.DepartmentMarketing, true)
	require.NoError(t, err)
	assert.True(t, d.AutopilotEnabled)
}

func TestToggleAutopilot_DisableAlwaysSucceeds(t *testing.T) {
	r, _ := newRegistry(t, nil)
	ctx := context.Background()

	d, err := r.ToggleAutopilot(ctx, "acme", contracts.DepartmentLegal, false)
	require.NoError(t, err)
	assert.False(t, d.AutopilotEnabled)
}

func TestToggleAutopilot_DisabledDepartment(t *testing.T) {
	r, profiles := newRegistry(t, nil)
	ctx := context.Background()
	profiles.Set("acme", Profile{Maturity: contracts.MaturityEnterprise, Prerequisites: Prerequisites{CRMRecords: 10}})

	d, err := r.ToggleAutopilot(ctx, "acme", contracts.DepartmentSales, true)
	require.NoError(t, err)
	require.True(t, d.AutopilotEnabled)

	d, err = r.SetEnabled(ctx, "acme", contracts.DepartmentSales, false)
	require.NoError(t, err)
	assert.False(t, d.AutopilotEnabled)

	_, err = r.ToggleAutopilot(ctx, "acme", contracts.DepartmentSales, true)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestToggleAutopilot_MaturityProviderError(t *testing.T) {
	m := &mockMaturity{}
	m.On("Maturity", mock.Anything, "acme").Return(contracts.MaturityUnknown, errors.New("timeout"))
	st := store.NewMemoryStore()
	r := NewRegistry(st, m, NewProfileStore(), nil)
	_, err := r.Onboard(context.Background(), "acme")
	require.NoError(t, err)

	_, err = r.ToggleAutopilot(context.Background(), "acme", contracts.DepartmentSales, true)
	assert.Error(t, err)
	m.AssertExpectations(t)
}

func TestIsUnlocked(t *testing.T) {
	d := &contracts.Department{RequiredMaturity: contracts.MaturityGrowing}
	assert.False(t, IsUnlocked(d, contracts.MaturityStarter))
	assert.True(t, IsUnlocked(d, contracts.MaturityGrowing))
	assert.True(t, IsUnlocked(d, contracts.MaturityEnterprise))
	assert.False(t, IsUnlocked(d, contracts.MaturityUnknown))
}

func TestGet_UnknownDepartment(t *testing.T) {
	r, _ := newRegistry(t, nil)
	_, err := r.Get(context.Background(), "acme", contracts.DepartmentType("rnd"))
	assert.ErrorIs(t, err, ErrUnknownDepartment)
}
