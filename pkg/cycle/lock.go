package cycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCycleInFlight is returned when a cycle for the same pair is already running.
var ErrCycleInFlight = errors.New("cycle: already in flight")

// ErrLeaseLost is reported by Lease.Err once another holder owns the key.
var ErrLeaseLost = errors.New("cycle: lease lost")

// Lease is a held single-flight lock.
type Lease interface {
	// Err returns a wrapped ErrLeaseLost after a renewal found the lease
	// taken over, and nil while it is held.
	Err() error
	Release(ctx context.Context) error
}

// Locker grants at most one lease per key at a time. Acquire never waits:
// a held key fails with ErrCycleInFlight.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrCycleInFlight, key)
	}
	l.held[key] = struct{}{}
	return &memoryLease{locker: l, key: key}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	once   sync.Once
}

func (m *memoryLease) Err() error { return nil }

func (m *memoryLease) Release(context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		delete(m.locker.held, m.key)
		m.locker.mu.Unlock()
	})
	return nil
}

// heartbeat renews a lease every ttl/3 until stopped or the lease is lost.
// Other renewal errors are retried on the next tick.
type heartbeat struct {
	stop chan struct{}
	done chan struct{}

	mu   sync.Mutex
	lost error
}

func startHeartbeat(ttl time.Duration, renew func(context.Context) error, logger *slog.Logger) *heartbeat {
	h := &heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				err := renew(context.Background())
				if errors.Is(err, ErrLeaseLost) {
					logger.Error("lease lost", "error", err)
					h.mu.Lock()
					h.lost = err
					h.mu.Unlock()
					return
				}
				if err != nil {
					logger.Warn("lease heartbeat failed", "error", err)
				}
			}
		}
	}()
	return h
}

func (h *heartbeat) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

func (h *heartbeat) halt() {
	close(h.stop)
	<-h.done
}

const leaseSchema = `CREATE TABLE IF NOT EXISTS cycle_leases (
	pair_key TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
)`

// SQLLeaseLocker persists leases in a cycle_leases table so that several
// processes sharing a database exclude each other. A lease expires after its
// TTL unless the heartbeat renews it, so a crashed holder cannot keep a pair
// locked.
type SQLLeaseLocker struct {
	db     *sql.DB
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewSQLLeaseLocker creates a lease locker. ttl <= 0 defaults to one minute.
func NewSQLLeaseLocker(db *sql.DB, ttl time.Duration) *SQLLeaseLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SQLLeaseLocker{
		db:     db,
		ttl:    ttl,
		clock:  time.Now,
		logger: slog.Default().With("component", "cycle_lease"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLLeaseLocker) WithClock(clock func() time.Time) *SQLLeaseLocker {
	l.clock = clock
	return l
}

// Init creates the lease table if it does not exist.
func (l *SQLLeaseLocker) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, leaseSchema); err != nil {
		return fmt.Errorf("cycle: init lease schema: %w", err)
	}
	return nil
}

// Acquire implements Locker. An expired lease is taken over.
func (l *SQLLeaseLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	holder := uuid.New().String()
	now := l.clock().UTC()
	query := `
		INSERT INTO cycle_leases (pair_key, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair_key) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE cycle_leases.expires_at < $4
	`
	res, err := l.db.ExecContext(ctx, query, key, holder, now.Add(l.ttl), now)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCycleInFlight, key)
	}
	lease := &sqlLease{locker: l, key: key, holder: holder}
	lease.hb = startHeartbeat(l.ttl, lease.renew, l.logger.With("pair_key", key))
	return lease, nil
}

type sqlLease struct {
	locker *SQLLeaseLocker
	key    string
	holder string
	hb     *heartbeat
	once   sync.Once
}

func (s *sqlLease) renew(ctx context.Context) error {
	res, err := s.locker.db.ExecContext(ctx,
		`UPDATE cycle_leases SET expires_at = $1 WHERE pair_key = $2 AND holder = $3`,
		s.locker.clock().UTC().Add(s.locker.ttl), s.key, s.holder)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, s.key)
	}
	return nil
}

func (s *sqlLease) Err() error { return s.hb.err() }

func (s *sqlLease) Release(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.hb.halt()
		_, err = s.locker.db.ExecContext(ctx,
			`DELETE FROM cycle_leases WHERE pair_key = $1 AND holder = $2`, s.key, s.holder)
		if err != nil {
			err = fmt.Errorf("release lease %s: %w", s.key, err)
		}
	})
	return err
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLeaseLocker holds leases as Redis keys set with NX and a TTL.
type RedisLeaseLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLeaseLocker creates a Redis lease locker. ttl <= 0 defaults to one minute.
func NewRedisLeaseLocker(client *redis.Client, ttl time.Duration) *RedisLeaseLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLeaseLocker{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "cycle_lease"),
	}
}

func leaseKey(key string) string {
	return "cycle:lease:" + key
}

// Acquire implements Locker.
func (l *RedisLeaseLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, leaseKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCycleInFlight, key)
	}
	lease := &redisLease{locker: l, key: leaseKey(key), token: token}
	lease.hb = startHeartbeat(l.ttl, lease.renew, l.logger.With("pair_key", key))
	return lease, nil
}

type redisLease struct {
	locker *RedisLeaseLocker
	key    string
	token  string
	hb     *heartbeat
	once   sync.Once
}

func (r *redisLease) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, r.locker.client, []string{r.key}, r.token, r.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, r.key)
	}
	return nil
}

func (r *redisLease) Err() error { return r.hb.err() }

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.hb.halt()
		if rerr := releaseScript.Run(ctx, r.locker.client, []string{r.key}, r.token).Err(); rerr != nil {
			err = fmt.Errorf("release lease %s: %w", r.key, rerr)
		}
	})
	return err
}
