package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger serializes every credit check and reservation per company.
//
// Usage is recomputed from the execution log on every call; the ledger only
// remembers reservations that have not been settled yet. A committed
// reservation must already be reflected in the execution log.
type Ledger struct {
	usage  UsageSource
	clock  func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	reserved map[string]map[string]int64
}

// NewLedger creates a ledger over the given usage source.
func NewLedger(usage UsageSource) *Ledger {
	return &Ledger{
		usage:    usage,
		clock:    time.Now,
		logger:   slog.Default().With("component", "budget"),
		locks:    make(map[string]*sync.Mutex),
		reserved: make(map[string]map[string]int64),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) companyLock(companyID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[companyID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[companyID] = m
	}
	return m
}

func (l *Ledger) outstanding(companyID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, amt := range l.reserved[companyID] {
		total += amt
	}
	return total
}

func (l *Ledger) snapshotLocked(ctx context.Context, companyID string, limit int64) (State, error) {
	now := l.clock()
	since, until := Window(now)
	used, err := l.usage.SumCredits(ctx, companyID, since, until)
	if err != nil {
		l.logger.Error("usage read failed", "company_id", companyID, "error", err)
		return State{CompanyID: companyID, Cap: limit, Day: since}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return State{
		CompanyID: companyID,
		Used:      used,
		Reserved:  l.outstanding(companyID),
		Cap:       limit,
		Day:       since,
	}, nil
}

// Snapshot reads the current state for a company against limit.
func (l *Ledger) Snapshot(ctx context.Context, companyID string, limit int64) (State, error) {
	lock := l.companyLock(companyID)
	lock.Lock()
	defer lock.Unlock()
	return l.snapshotLocked(ctx, companyID, limit)
}

// Reserve holds cost credits if used + reserved + cost stays within limit.
// FAIL-CLOSED: a usage read error denies the reservation.
func (l *Ledger) Reserve(ctx context.Context, companyID string, cost, limit int64) (*Reservation, State, error) {
	if cost < 0 {
		return nil, State{}, fmt.Errorf("budget: negative cost %d", cost)
	}
	lock := l.companyLock(companyID)
	lock.Lock()
	defer lock.Unlock()

	state, err := l.snapshotLocked(ctx, companyID, limit)
	if err != nil {
		return nil, state, err
	}
	if state.Committed()+cost > limit {
		l.logger.Warn("daily cap exceeded",
			"company_id", companyID, "used", state.Used, "reserved", state.Reserved, "cost", cost, "limit", limit)
		return nil, state, fmt.Errorf("%w: %d + %d > %d", ErrBudgetExceeded, state.Committed(), cost, limit)
	}

	res := &Reservation{
		ID:        uuid.New().String(),
		CompanyID: companyID,
		Amount:    cost,
		CreatedAt: l.clock(),
	}
	l.mu.Lock()
	if l.reserved[companyID] == nil {
		l.reserved[companyID] = make(map[string]int64)
	}
	l.reserved[companyID][res.ID] = cost
	l.mu.Unlock()

	state.Reserved += cost
	return res, state, nil
}

// Commit settles a reservation whose credits are now recorded in the execution log.
func (l *Ledger) Commit(res *Reservation) {
	l.settle(res)
}

// Release returns reserved credits that were not spent.
func (l *Ledger) Release(res *Reservation) {
	l.settle(res)
}

func (l *Ledger) settle(res *Reservation) {
	if res == nil {
		return
	}
	lock := l.companyLock(res.CompanyID)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved[res.CompanyID], res.ID)
	if len(l.reserved[res.CompanyID]) == 0 {
		delete(l.reserved, res.CompanyID)
	}
}
