package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/builderaio/buildera-io-sub006/pkg/api"
	"github.com/builderaio/buildera-io-sub006/pkg/approval"
	"github.com/builderaio/buildera-io-sub006/pkg/budget"
	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/cycle"
	"github.com/builderaio/buildera-io-sub006/pkg/decision"
	"github.com/builderaio/buildera-io-sub006/pkg/department"
	"github.com/builderaio/buildera-io-sub006/pkg/dispatch"
	"github.com/builderaio/buildera-io-sub006/pkg/genesis"
	"github.com/builderaio/buildera-io-sub006/pkg/guardrail"
	"github.com/builderaio/buildera-io-sub006/pkg/intelligence"
	"github.com/builderaio/buildera-io-sub006/pkg/iq"
	"github.com/builderaio/buildera-io-sub006/pkg/memory"
	"github.com/builderaio/buildera-io-sub006/pkg/observability"
	"github.com/builderaio/buildera-io-sub006/pkg/scheduler"
	"github.com/builderaio/buildera-io-sub006/pkg/store"
)

// Services holds every wired component of the engine.
type Services struct {
	Config *config.Config
	Policy *config.Policy

	Store     store.Store
	DB        *sql.DB
	Redis     *redis.Client
	Telemetry *observability.Provider

	Profiles     *department.ProfileStore
	Departments  *department.Registry
	Ingestor     *intelligence.Ingestor
	Ledger       *budget.Ledger
	Learner      *memory.Learner
	Guard        *guardrail.Engine
	Dispatcher   *dispatch.Dispatcher
	Approvals    *approval.Manager
	Genesis      *genesis.Engine
	Orchestrator *cycle.Orchestrator
	Scores       *iq.Scorer
	Scheduler    *scheduler.Scheduler
}

// NewServices opens storage and wires the engine. Close releases what it opened.
func NewServices(ctx context.Context, cfg *config.Config, policy *config.Policy) (*Services, error) {
	st, db, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return wire(ctx, cfg, policy, st, db)
}

func wire(ctx context.Context, cfg *config.Config, policy *config.Policy, st store.Store, db *sql.DB) (*Services, error) {
	s := &Services{Config: cfg, Policy: policy, Store: st, DB: db}

	tel, err := observability.New(ctx, &observability.Config{
		ServiceName:    "autopilot",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	s.Telemetry = tel

	var cache intelligence.Cache = intelligence.NewStoreCache(st)
	var locker cycle.Locker = cycle.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		s.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		cache = intelligence.NewTieredCache(intelligence.NewRedisCache(s.Redis, 100), st)
		locker = cycle.NewRedisLeaseLocker(s.Redis, 0)
		slog.Info("redis ready", "addr", cfg.RedisAddr)
	} else if db != nil {
		sl := cycle.NewSQLLeaseLocker(db, 0)
		if err := sl.Init(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		locker = sl
	}

	s.Profiles = department.NewProfileStore()
	s.Departments = department.NewRegistry(st, s.Profiles, s.Profiles, policy)

	if s.Ingestor, err = intelligence.NewIngestor(cache); err != nil {
		return nil, err
	}
	decider, err := decision.NewRuleEngine(policy)
	if err != nil {
		return nil, err
	}

	s.Ledger = budget.NewLedger(st)
	s.Learner = memory.NewLearner(st, policy)
	if s.Guard, err = guardrail.NewEngine(policy, s.Ledger, s.Learner, st); err != nil {
		return nil, err
	}
	s.Guard.WithTelemetry(tel)

	agents, err := dispatch.FromPolicy(policy, cfg.ShadowMode, nil)
	if err != nil {
		return nil, err
	}
	s.Dispatcher = dispatch.NewDispatcher(st, s.Ledger, agents).WithTelemetry(tel)
	s.Approvals = approval.NewManager(st, s.Dispatcher, s.Learner)
	s.Genesis = genesis.NewEngine(st, policy)
	s.Scores = iq.NewScorer(st)

	s.Orchestrator = cycle.NewOrchestrator(cycle.Deps{
		Store:        st,
		Locker:       locker,
		Intelligence: s.Ingestor,
		Decider:      decider,
		Guard:        s.Guard,
		Executor:     s.Dispatcher,
		Approvals:    s.Approvals,
		Learner:      s.Learner,
	}).WithTelemetry(tel)

	s.Scheduler = scheduler.New(st, s.Orchestrator, s.Genesis, s.Approvals, cfg.CycleInterval, cfg.CycleConcurrency)
	return s, nil
}

// APIServer exposes the services over HTTP.
func (s *Services) APIServer() *api.Server {
	return api.NewServer(api.Server{
		Cycles:       s.Orchestrator,
		Departments:  s.Departments,
		Profiles:     s.Profiles,
		Approvals:    s.Approvals,
		Genesis:      s.Genesis,
		Intelligence: s.Ingestor,
		Scores:       s.Scores,
	})
}

// Close shuts down telemetry and closes connections.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Telemetry != nil {
		errs = append(errs, s.Telemetry.Shutdown(ctx))
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
