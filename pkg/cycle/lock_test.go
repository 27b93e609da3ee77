package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	a, err := l.Acquire(ctx, "acme:marketing")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "acme:marketing")
	assert.ErrorIs(t, err, ErrCycleInFlight)

	b, err := l.Acquire(ctx, "acme:sales")
	require.NoError(t, err, "other pairs are independent")

	require.NoError(t, a.Release(ctx))
	require.NoError(t, a.Release(ctx))
	c, err := l.Acquire(ctx, "acme:marketing")
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx))
	require.NoError(t, c.Release(ctx))
}

func TestSQLLeaseLocker_AcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewSQLLeaseLocker(db, time.Hour).WithClock(func() time.Time { return now })

	mock.ExpectExec("INSERT INTO cycle_leases").
		WithArgs("acme:marketing", sqlmock.AnyArg(), now.Add(time.Hour), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM cycle_leases WHERE pair_key").
		WithArgs("acme:marketing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	lease, err := l.Acquire(context.Background(), "acme:marketing")
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLeaseLocker_HeldByAnotherProcess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	l := NewSQLLeaseLocker(db, time.Hour)

	mock.ExpectExec("INSERT INTO cycle_leases").
		WithArgs("acme:marketing", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = l.Acquire(context.Background(), "acme:marketing")
	assert.ErrorIs(t, err, ErrCycleInFlight)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLeaseLocker_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cycle_leases").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewSQLLeaseLocker(db, 0).Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRedisLeaseLocker_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLeaseLocker_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	key := "redis-test-" + time.Now().Format("150405.000000") + ":marketing"
	t.Cleanup(func() { client.Del(ctx, leaseKey(key)) })

	l := NewRedisLeaseLocker(client, time.Minute)
	lease, err := l.Acquire(ctx, key)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, key)
	assert.ErrorIs(t, err, ErrCycleInFlight)

	require.NoError(t, lease.Release(ctx))
	again, err := l.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestHeartbeat_RecordsLostLease(t *testing.T) {
	renew := func(context.Context) error { return fmt.Errorf("%w: acme:marketing", ErrLeaseLost) }
	h := startHeartbeat(30*time.Millisecond, renew, slog.Default())
	defer h.halt()

	assert.Eventually(t, func() bool { return errors.Is(h.err(), ErrLeaseLost) }, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_TransientErrorsKeepLease(t *testing.T) {
	var calls atomic.Int32
	renew := func(context.Context) error {
		calls.Add(1)
		return errors.New("connection reset")
	}
	h := startHeartbeat(30*time.Millisecond, renew, slog.Default())

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, h.err())
	h.halt()
}

func TestMemoryLease_NeverLost(t *testing.T) {
	lease, err := NewMemoryLocker().Acquire(context.Background(), "acme:marketing")
	require.NoError(t, err)
	assert.NoError(t, lease.Err())
	require.NoError(t, lease.Release(context.Background()))
}
