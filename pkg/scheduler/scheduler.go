// Package scheduler triggers autopilot cycles on a fixed interval and runs the
// periodic maintenance that has no caller of its own: trial sweeps and
// recovery of approved requests whose dispatch was interrupted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
	"github.com/builderaio/buildera-io-sub006/pkg/cycle"
	"github.com/builderaio/buildera-io-sub006/pkg/genesis"
)

// CycleRunner runs one cycle for a pair.
type CycleRunner interface {
	RunCycle(ctx context.Context, companyID string, dept contracts.DepartmentType) (*contracts.CycleSummary, error)
}

// Departments lists the pairs that are due for a cycle.
type Departments interface {
	ListAutopilotDepartments(ctx context.Context) ([]*contracts.Department, error)
}

// TrialSweeper promotes or deprecates expired trials.
type TrialSweeper interface {
	SweepTrials(ctx context.Context, now time.Time) (genesis.SweepResult, error)
}

// ApprovalRecoverer re-drives approved requests that were never dispatched.
type ApprovalRecoverer interface {
	RecoverApproved(ctx context.Context) (int, error)
}

// Report summarizes one tick.
type Report struct {
	Started   time.Time
	Cycles    int
	Skipped   int
	Failed    int
	Sweep     genesis.SweepResult
	Recovered int
}

// Scheduler runs ticks until stopped.
type Scheduler struct {
	departments Departments
	runner      CycleRunner
	trials      TrialSweeper
	approvals   ApprovalRecoverer
	interval    time.Duration
	concurrency int
	clock       func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler. trials and approvals may be nil.
func New(departments Departments, runner CycleRunner, trials TrialSweeper, approvals ApprovalRecoverer, interval time.Duration, concurrency int) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		departments: departments,
		runner:      runner,
		trials:      trials,
		approvals:   approvals,
		interval:    interval,
		concurrency: concurrency,
		clock:       time.Now,
		logger:      slog.Default().With("component", "scheduler"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	r, err := s.Tick(ctx)
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
	}
	s.logger.Info("scheduler tick",
		"cycles", r.Cycles,
		"skipped", r.Skipped,
		"failed", r.Failed,
		"trials_promoted", r.Sweep.Promoted,
		"trials_deprecated", r.Sweep.Deprecated,
		"approvals_recovered", r.Recovered,
	)
}

// Tick runs one round: approvals are recovered first so their results are
// visible to the cycles, then cycles run with bounded parallelism, then
// expired trials are swept. Pairs already in flight are skipped. A failing
// pair does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	r := Report{Started: s.clock()}
	var errs []error

	if s.approvals != nil {
		n, err := s.approvals.RecoverApproved(ctx)
		r.Recovered = n
		if err != nil {
			errs = append(errs, fmt.Errorf("recover approvals: %w", err))
		}
	}

	depts, err := s.departments.ListAutopilotDepartments(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list departments: %w", err))
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, d := range depts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := s.runner.RunCycle(ctx, d.CompanyID, d.Type)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				r.Cycles++
			case errors.Is(err, cycle.ErrCycleInFlight), errors.Is(err, cycle.ErrAutopilotOff):
				r.Skipped++
			default:
				r.Failed++
				s.logger.Warn("scheduled cycle failed",
					"company_id", d.CompanyID, "department", d.Type, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.trials != nil {
		sweep, err := s.trials.SweepTrials(ctx, s.clock())
		r.Sweep = sweep
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep trials: %w", err))
		}
	}
	return r, errors.Join(errs...)
}
