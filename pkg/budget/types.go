// Package budget provides the per-company daily credit ledger with fail-closed
// behavior. When usage cannot be read, no credits are reserved.
package budget

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBudgetExceeded is returned when a reservation would push usage past the cap.
	ErrBudgetExceeded = errors.New("budget: daily credit cap exceeded")
	// ErrLedgerUnavailable wraps usage read failures. Callers must treat it as exceeded.
	ErrLedgerUnavailable = errors.New("budget: ledger unavailable")
)

// UsageSource computes consumed credits from the execution log.
type UsageSource interface {
	SumCredits(ctx context.Context, companyID string, since, until time.Time) (int64, error)
}

// State is a point-in-time view of a company's daily credit consumption
// against a department's cap.
type State struct {
	CompanyID string    `json:"company_id"`
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	Cap       int64     `json:"cap"`
	Day       time.Time `json:"day"`
}

// Committed is used plus outstanding reservations.
func (s State) Committed() int64 {
	return s.Used + s.Reserved
}

// Remaining returns how many credits can still be reserved today.
func (s State) Remaining() int64 {
	remaining := s.Cap - s.Committed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HeadroomPct returns the unused share of the cap in percent. A zero or
// negative cap has no headroom.
func (s State) HeadroomPct() float64 {
	if s.Cap <= 0 {
		return 0
	}
	return float64(s.Cap-s.Committed()) / float64(s.Cap) * 100
}

// Reservation holds credits for one dispatch until it is committed or released.
type Reservation struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Window returns the UTC day containing t as [since, until).
func Window(t time.Time) (since, until time.Time) {
	u := t.UTC()
	since = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return since, since.Add(24 * time.Hour)
}
