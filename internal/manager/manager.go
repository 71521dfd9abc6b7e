// Package manager implements the Backend Manager (C4): ownership of adapter
// instances, parallel startup with per-backend deadlines, and strict-vs
// -lenient failure policy on backend lookup.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/errors"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/resilience"
	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

// Status is a backend's position in the C4 lifecycle state machine:
// configured → connecting → healthy | error → stopped.
type Status string

const (
	StatusConfigured Status = "configured"
	StatusConnecting Status = "connecting"
	StatusHealthy    Status = "healthy"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Factory lazily constructs an adapter instance, deferring any blocking
// work (dialing, auth) to Connect.
type Factory func() (backend.Adapter, error)

type entry struct {
	factory Factory
	adapter backend.Adapter
	status  Status
	lastErr error
	breaker *resilience.CircuitBreaker
}

// Manager owns a kind → (adapter, status) registry.
type Manager struct {
	mu      sync.RWMutex
	entries map[backend.Kind]*entry
	strict  bool
	logger  *logging.Logger
}

// New constructs a Manager. strict controls get_<kind>_backend's failure
// policy: strict raises on a missing/unhealthy backend, lenient returns a
// null sentinel and records the error.
func New(strict bool, logger *logging.Logger) *Manager {
	return &Manager{
		entries: make(map[backend.Kind]*entry),
		strict:  strict,
		logger:  logger,
	}
}

// Register adds a deferred adapter factory for kind in the configured
// state, along with a per-kind circuit breaker (strict for the relational
// backend, lenient for accelerator kinds). Must be called before StartAll.
func (m *Manager) Register(kind backend.Kind, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[kind] = &entry{factory: factory, status: StatusConfigured, breaker: newBreaker(kind, m.logger)}
}

func newBreaker(kind backend.Kind, logger *logging.Logger) *resilience.CircuitBreaker {
	var cfg resilience.Config
	if kind == backend.KindRelational {
		cfg = resilience.StrictBackendCBConfig(logger)
	} else {
		cfg = resilience.LenientBackendCBConfig(logger)
	}
	return resilience.New(cfg)
}

// Kinds returns the registered backend kinds.
func (m *Manager) Kinds() []backend.Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]backend.Kind, 0, len(m.entries))
	for k := range m.entries {
		kinds = append(kinds, k)
	}
	return kinds
}

// StartAll instantiates (if deferred) and connects every backend in subset
// (or all registered backends if subset is nil), bounded by a concurrent
// executor sized min(8, len(subset)) and observed per-task with
// perBackendTimeout. Never raises for per-backend failures; only
// catastrophic executor errors propagate.
func (m *Manager) StartAll(ctx context.Context, subset []backend.Kind, perBackendTimeout time.Duration) (map[backend.Kind]bool, error) {
	if subset == nil {
		subset = m.Kinds()
	}
	if len(subset) == 0 {
		return map[backend.Kind]bool{}, nil
	}

	concurrency := len(subset)
	if concurrency > 8 {
		concurrency = 8
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	results := make(map[backend.Kind]bool, len(subset))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, kind := range subset {
		kind := kind
		if err := sem.Acquire(ctx, 1); err != nil {
			return results, fmt.Errorf("start_all_backends: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			ok := m.startOne(ctx, kind, perBackendTimeout)

			resultsMu.Lock()
			results[kind] = ok
			resultsMu.Unlock()
		}()
	}

	wg.Wait()
	return results, nil
}

func (m *Manager) startOne(ctx context.Context, kind backend.Kind, timeout time.Duration) bool {
	m.mu.Lock()
	e, ok := m.entries[kind]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.status = StatusConnecting
	breaker := e.breaker
	m.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		adapter := e.adapter
		var err error
		if adapter == nil {
			adapter, err = e.factory()
			if err != nil {
				done <- err
				return
			}
		}
		connect := func() error { return adapter.Connect(taskCtx) }
		if breaker != nil {
			err = breaker.Execute(taskCtx, connect)
		} else {
			err = connect()
		}
		if err != nil {
			done <- err
			return
		}

		m.mu.Lock()
		e.adapter = adapter
		m.mu.Unlock()
		done <- nil
	}()

	var connectErr error
	select {
	case <-taskCtx.Done():
		connectErr = taskCtx.Err()
	case err := <-done:
		connectErr = err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if connectErr != nil {
		e.status = StatusError
		e.lastErr = connectErr
		if m.logger != nil {
			m.logger.LogBackendProbe(ctx, string(kind), "connect", false, 0, connectErr)
		}
		return false
	}

	e.status = StatusHealthy
	e.lastErr = nil
	if m.logger != nil {
		m.logger.LogBackendProbe(ctx, string(kind), "connect", true, 0, nil)
	}
	return true
}

// Get returns the adapter for kind if healthy. In strict mode, a missing or
// unhealthy backend returns a BackendUnavailable error; in lenient mode it
// returns (nil, nil) and the error is recorded for later inspection via
// LastError.
func (m *Manager) Get(kind backend.Kind) (backend.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[kind]
	unhealthy := !ok || e.status != StatusHealthy || e.adapter == nil
	breakerOpen := ok && e.breaker != nil && e.breaker.State() == resilience.StateOpen
	if unhealthy || breakerOpen {
		if m.strict {
			var err error
			if e != nil {
				err = e.lastErr
				if breakerOpen && err == nil {
					err = resilience.ErrCircuitOpen
				}
			}
			return nil, errors.BackendUnavailable(string(kind), err)
		}
		return nil, nil
	}
	return e.adapter, nil
}

// RecordResult feeds an operation outcome (from the CRUD façade, after
// dispatch) back into kind's circuit breaker, so repeated post-connect
// operation failures trip the breaker the same way repeated connect
// failures do — not just the initial StartAll pass.
func (m *Manager) RecordResult(kind backend.Kind, opErr error) {
	m.mu.RLock()
	e, ok := m.entries[kind]
	m.mu.RUnlock()
	if !ok || e.breaker == nil {
		return
	}
	_ = e.breaker.Execute(context.Background(), func() error { return opErr })
}

// Status returns the current status for kind.
func (m *Manager) Status(kind backend.Kind) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[kind]
	if !ok {
		return "", false
	}
	return e.status, true
}

// LastError returns the last connect error recorded for kind. Operation
// outcomes passed to RecordResult do not change it.
func (m *Manager) LastError(kind backend.Kind) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[kind]
	if !ok {
		return nil
	}
	return e.lastErr
}

// StopAll calls Disconnect on every adapter, deduplicating by identity.
// Exceptions during disconnect are logged, not raised.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[backend.Adapter]bool)
	for kind, e := range m.entries {
		if e.adapter == nil || seen[e.adapter] {
			continue
		}
		seen[e.adapter] = true
		if err := e.adapter.Disconnect(ctx); err != nil && m.logger != nil {
			m.logger.LogBackendProbe(ctx, string(kind), "disconnect", false, 0, err)
		}
		e.status = StatusStopped
	}
}
