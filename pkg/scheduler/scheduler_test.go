package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/cycle"
	"github.com/builderaio/buildera-io-sub006/pkg/genesis"
)

type fakeDepartments []*contracts.Department

func (f fakeDepartments) ListAutopilotDepartments(context.Context) ([]*contracts.Department, error) {
	return f, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	errs     map[string]error
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) RunCycle(_ context.Context, companyID string, dept contracts.DepartmentType) (*contracts.CycleSummary, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	key := contracts.PairKey(companyID, dept)
	f.mu.Lock()
	f.ran = append(f.ran, key)
	err := f.errs[key]
	f.mu.Unlock()
	return &contracts.CycleSummary{CompanyID: companyID, Department: dept}, err
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) SweepTrials(context.Context, time.Time) (genesis.SweepResult, error) {
	f.calls++
	return genesis.SweepResult{Promoted: 1}, nil
}

type fakeRecoverer struct {
	n   int
	err error
}

func (f *fakeRecoverer) RecoverApproved(context.Context) (int, error) { return f.n, f.err }

func departments(pairs ...string) fakeDepartments {
	var out fakeDepartments
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, &contracts.Department{
			CompanyID: pairs[i], Type: contracts.DepartmentType(pairs[i+1]), Enabled: true, AutopilotEnabled: true,
		})
	}
	return out
}

func TestTick(t *testing.T) {
	depts := departments("acme", "marketing", "acme", "sales", "globex", "marketing", "initech", "marketing")
	runner := &fakeRunner{errs: map[string]error{
		"acme:sales":        cycle.ErrCycleInFlight,
		"initech:marketing": errors.New("store unavailable"),
	}}
	sweeper := &fakeSweeper{}
	s := New(depts, runner, sweeper, &fakeRecoverer{n: 2}, time.Minute, 2)

	r, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Cycles)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 2, r.Recovered)
	assert.Equal(t, genesis.SweepResult{Promoted: 1}, r.Sweep)
	assert.Len(t, runner.ran, 4, "a failing pair does not stop the others")
	assert.Equal(t, 1, sweeper.calls)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestTick_ReportsMaintenanceErrors(t *testing.T) {
	s := New(departments("acme", "marketing"), &fakeRunner{}, nil, &fakeRecoverer{err: errors.New("boom")}, time.Minute, 1)

	r, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recover approvals")
	assert.Equal(t, 1, r.Cycles, "cycles still run")
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(departments("acme", "marketing"), runner, nil, nil, time.Hour, 1)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.ran) == 1
	}, time.Second, 5*time.Millisecond, "first tick runs immediately")
	s.Stop()
	s.Stop()
}
