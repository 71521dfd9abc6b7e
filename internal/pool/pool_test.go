package pool

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockConnector(t *testing.T) (Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	mock.ExpectPing()
	return func(ctx context.Context) (*sql.DB, error) {
		return db, nil
	}, mock
}

func TestPoolConnect(t *testing.T) {
	connector, _ := newMockConnector(t)
	p := New(DefaultConfig(), connector)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// Connect should be idempotent.
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
}

func TestPoolLeaseAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	connector := func(ctx context.Context) (*sql.DB, error) { return db, nil }

	cfg := DefaultConfig()
	cfg.ValidationQuery = "SELECT 1"
	p := New(cfg, connector)

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))

	lease, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease() error: %v", err)
	}

	stats := p.Stats()
	if stats.Active != 1 {
		t.Errorf("Active = %d, want 1", stats.Active)
	}

	lease.Release()

	stats = p.Stats()
	if stats.Active != 0 {
		t.Errorf("Active after release = %d, want 0", stats.Active)
	}
}

func TestPoolLeaseRespectsContextCancellation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	connector := func(ctx context.Context) (*sql.DB, error) { return db, nil }

	cfg := DefaultConfig()
	cfg.MaxSize = 1
	p := New(cfg, connector)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// Exhaust the single slot without releasing.
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.Lease(ctx); err == nil {
		t.Error("expected Lease() to fail when pool is exhausted and context expires")
	}
}

func TestPoolDisconnectIdempotent(t *testing.T) {
	connector, _ := newMockConnector(t)
	p := New(DefaultConfig(), connector)

	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() on unstarted pool should be a no-op, got: %v", err)
	}

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() should be idempotent, got: %v", err)
	}
}
