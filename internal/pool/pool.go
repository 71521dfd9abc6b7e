// Package pool implements the bounded, thread-safe connection pool (C3) for
// the relational backend: lease/release semantics with validation-query
// health checks and retrying connect with exponential backoff.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/errors"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/resilience"
)

// Config configures the relational connection pool.
type Config struct {
	MinSize         int
	MaxSize         int
	ConnectTimeout  time.Duration
	ValidationQuery string
}

// DefaultConfig returns spec.md §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:         5,
		MaxSize:         50,
		ConnectTimeout:  10 * time.Second,
		ValidationQuery: "SELECT 1",
	}
}

// Stats reports pool-level counters, exposed via infrastructure/metrics.
type Stats struct {
	Active       int64
	Idle         int64
	Total        int64
	CreatedTotal int64
	ReusedTotal  int64
	ErrorsTotal  int64
}

// Connector opens a fresh *sql.DB. Supplied by the caller so the pool stays
// driver-agnostic (PostgreSQL via lib/pq, or modernc.org/sqlite for the
// embedded fallback).
type Connector func(ctx context.Context) (*sql.DB, error)

// Lease represents a borrowed connection. Release must be called exactly
// once; any open transaction is rolled back before the underlying
// connection is returned to the pool.
type Lease struct {
	pool *Pool
	conn *sql.Conn
	tx   *sql.Tx
}

// Conn returns the underlying *sql.Conn.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// BeginTx starts a transaction scoped to this lease.
func (l *Lease) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := l.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.tx = tx
	return tx, nil
}

// Release rolls back any open transaction and returns the connection to the
// pool.
func (l *Lease) Release() {
	if l.tx != nil {
		_ = l.tx.Rollback()
		l.tx = nil
	}
	_ = l.conn.Close()
	l.pool.sem.Release(1)
	atomic.AddInt64(&l.pool.active, -1)
	atomic.AddInt64(&l.pool.idle, 1)
}

// Pool is a bounded pool of relational connections.
type Pool struct {
	cfg       Config
	db        *sql.DB
	connector Connector
	sem       *semaphore.Weighted

	active, idle, total, created, reused, errorsTotal int64

	mu      sync.Mutex
	started bool
}

// New constructs a Pool. The underlying *sql.DB is not opened until the
// first Lease or explicit Connect call, mirroring the adapter lifecycle
// (lazily initialized on first connect, closed on disconnect).
func New(cfg Config, connector Connector) *Pool {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Pool{
		cfg:       cfg,
		connector: connector,
		sem:       semaphore.NewWeighted(int64(cfg.MaxSize)),
	}
}

// Connect opens the underlying *sql.DB with retry: up to 3 attempts,
// waiting 1s and then 2s between them. Every connect failure is treated as
// transient and retried; auth errors are not told apart from other
// failures.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		db, err := p.connector(connectCtx)
		cancel()
		if err == nil {
			db.SetMaxOpenConns(p.cfg.MaxSize)
			db.SetMaxIdleConns(p.cfg.MinSize)
			p.db = db
			p.started = true
			atomic.StoreInt64(&p.total, int64(p.cfg.MaxSize))
			return nil
		}

		lastErr = err
		atomic.AddInt64(&p.errorsTotal, 1)
		if isPermanent(err) {
			return errors.BackendUnavailable("relational", err)
		}
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return errors.TransientConnection("relational", lastErr)
}

// isPermanent reports whether a connect failure is non-retriable. It has
// no sentinel to match, so it returns false and pool treats every connect
// failure as transient.
func isPermanent(err error) bool {
	return false
}

// Disconnect closes the underlying *sql.DB. Idempotent.
func (p *Pool) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.started = false
	p.db = nil
	return err
}

// Lease blocks until a connection is available or ctx is done. Before
// yielding, it runs the validation query; if that fails, the underlying
// connection is discarded and a fresh one is requested.
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	if !p.started {
		if err := p.Connect(ctx); err != nil {
			return nil, err
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.sem.Release(1)
		atomic.AddInt64(&p.errorsTotal, 1)
		return nil, errors.TransientConnection("relational", err)
	}

	if _, err := conn.ExecContext(ctx, p.cfg.ValidationQuery); err != nil {
		_ = conn.Close()
		// Validation failed: discard and retry once with a fresh
		// connection before giving up.
		conn, err = p.db.Conn(ctx)
		if err != nil {
			p.sem.Release(1)
			atomic.AddInt64(&p.errorsTotal, 1)
			return nil, errors.TransientConnection("relational", err)
		}
		if _, err := conn.ExecContext(ctx, p.cfg.ValidationQuery); err != nil {
			_ = conn.Close()
			p.sem.Release(1)
			atomic.AddInt64(&p.errorsTotal, 1)
			return nil, errors.TransientConnection("relational", err)
		}
	}

	atomic.AddInt64(&p.active, 1)
	atomic.AddInt64(&p.created, 1)
	atomic.AddInt64(&p.reused, 1)

	return &Lease{pool: p, conn: conn}, nil
}

// IsStarted reports whether Connect has succeeded and Disconnect has not
// since been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:       atomic.LoadInt64(&p.active),
		Idle:         atomic.LoadInt64(&p.idle),
		Total:        atomic.LoadInt64(&p.total),
		CreatedTotal: atomic.LoadInt64(&p.created),
		ReusedTotal:  atomic.LoadInt64(&p.reused),
		ErrorsTotal:  atomic.LoadInt64(&p.errorsTotal),
	}
}

// RetryConfig exposes the resilience package's retry helper for callers
// that need to retry an operation against a leased connection (e.g. a
// deadlock) without re-leasing.
var RetryConfig = resilience.DefaultRetryConfig

// Retry re-exports resilience.Retry for pool-scoped retries.
var Retry = resilience.Retry
