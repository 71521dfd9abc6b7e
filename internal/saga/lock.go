package saga

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Locker prevents two execution attempts on the same saga from running
// concurrently (spec.md §4.7: "acquire advisory lock... with retry,
// backoff, 30s budget"). Release is idempotent; calling it twice is safe.
type Locker interface {
	Acquire(ctx context.Context, sagaID string) (release func(), err error)
}

// DefaultLockBudget is the maximum time Acquire spends retrying before
// giving up.
const DefaultLockBudget = 30 * time.Second

// PostgresLocker uses pg_try_advisory_lock, keyed by an FNV hash of the
// saga ID, so the lock is visible across processes.
type PostgresLocker struct {
	db     *sql.DB
	budget time.Duration
}

// NewPostgresLocker constructs a PostgresLocker. budget <= 0 uses
// DefaultLockBudget.
func NewPostgresLocker(db *sql.DB, budget time.Duration) *PostgresLocker {
	if budget <= 0 {
		budget = DefaultLockBudget
	}
	return &PostgresLocker{db: db, budget: budget}
}

func lockKey(sagaID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sagaID))
	return int64(h.Sum64())
}

// Acquire retries pg_try_advisory_lock with exponential backoff
// (250ms, 500ms, 1s, ... capped at 5s) until budget is exhausted.
func (l *PostgresLocker) Acquire(ctx context.Context, sagaID string) (func(), error) {
	key := lockKey(sagaID)
	deadline := time.Now().Add(l.budget)
	delay := 250 * time.Millisecond

	for {
		var acquired bool
		err := l.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
		if err != nil {
			return nil, fmt.Errorf("advisory lock probe: %w", err)
		}
		if acquired {
			var released bool
			return func() {
				if released {
					return
				}
				released = true
				_ = l.db.QueryRow(`SELECT pg_advisory_unlock($1)`, key).Scan(new(bool))
			}, nil
		}

		if time.Now().Add(delay).After(deadline) {
			return nil, fmt.Errorf("acquire advisory lock for saga %s: budget exhausted", sagaID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

// InProcessLocker is the single-process fallback used with sqlite, where
// no cross-process advisory-lock primitive exists. Best-effort: it only
// guards against concurrent execution within this one coordinator
// instance.
type InProcessLocker struct {
	mu      sync.Mutex
	locked  map[string]struct{}
	budget  time.Duration
}

// NewInProcessLocker constructs an InProcessLocker. budget <= 0 uses
// DefaultLockBudget.
func NewInProcessLocker(budget time.Duration) *InProcessLocker {
	if budget <= 0 {
		budget = DefaultLockBudget
	}
	return &InProcessLocker{locked: make(map[string]struct{}), budget: budget}
}

func (l *InProcessLocker) Acquire(ctx context.Context, sagaID string) (func(), error) {
	deadline := time.Now().Add(l.budget)
	delay := 50 * time.Millisecond

	for {
		l.mu.Lock()
		if _, busy := l.locked[sagaID]; !busy {
			l.locked[sagaID] = struct{}{}
			l.mu.Unlock()
			var released bool
			return func() {
				if released {
					return
				}
				released = true
				l.mu.Lock()
				delete(l.locked, sagaID)
				l.mu.Unlock()
			}, nil
		}
		l.mu.Unlock()

		if time.Now().Add(delay).After(deadline) {
			return nil, fmt.Errorf("acquire in-process lock for saga %s: budget exhausted", sagaID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > time.Second {
			delay = time.Second
		}
	}
}
