// Package resilience gives the Backend Manager (C4) and the SAGA
// orchestrator (C7) fault-tolerance primitives: a per-backend circuit
// breaker backed by github.com/sony/gobreaker/v2, and a retry helper
// backed by github.com/cenkalti/backoff/v4 for step/compensation/connect
// backoff.
//
// Both wrap their OSS dependency behind a narrow signature
// (Execute(ctx, fn) / Retry(ctx, cfg, fn)) so the rest of the tree never
// imports gobreaker or cenkalti/backoff directly.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State mirrors gobreaker.State: closed (passing traffic), open (rejecting
// immediately), half-open (probing with a limited number of calls).
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrCircuitOpen means the breaker tripped on this backend kind and is
	// rejecting calls without attempting the adapter; the Backend Manager
	// surfaces this as a StatusError / BackendUnavailable.
	ErrCircuitOpen     = errors.New("backend circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probe requests in half-open state")
)

// ---------------------------------------------------------------------------
// Circuit Breaker
// ---------------------------------------------------------------------------

// Config tunes how many consecutive connect/operation failures against a
// single backend kind trip the breaker, and how long it stays open before
// allowing a half-open probe.
type Config struct {
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // time in open state before half-open
	HalfOpenMax   int           // max probe requests allowed in half-open
	OnStateChange func(from, to State)
}

// DefaultConfig trips after 5 consecutive failures, reopens for a probe
// after 30s, and allows 3 concurrent half-open probes.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker guards one backend kind's connect/operation calls so a
// persistently failing adapter degrades to rejecting immediately instead
// of re-dialing or re-querying a dead store on every request.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker for a single backend kind.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Interval:    0, // reset counts on state change, not on a rolling interval
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{
		gb: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker's current state for a backend kind.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn (a connect attempt or an adapter operation) under breaker
// protection. ctx is accepted for call-site symmetry with Retry; gobreaker
// itself does not honor cancellation, so callers still need to bound fn's
// own work with ctx.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

// mapGobreakerError translates gobreaker's sentinels to this package's own
// so the Backend Manager can compare against ErrCircuitOpen without
// importing gobreaker.
func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// RetryConfig configures the backoff schedule for connection-pool reconnect,
// SAGA step retry, SAGA compensation retry, and advisory-lock acquisition.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig matches spec's base_delay=0.1s, doubling backoff,
// 3 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry runs fn up to cfg.MaxAttempts times total (the first call plus
// cfg.MaxAttempts-1 retries), sleeping base_delay*multiplier^n between
// attempts, honoring ctx cancellation between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	// The caller bounds attempts via MaxAttempts, not elapsed wall time.
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)

	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// ---------------------------------------------------------------------------
// Per-backend-kind circuit breaker presets
// ---------------------------------------------------------------------------
//
// The Backend Manager (C4) opens one of these per registered backend kind.
// Which preset a kind gets reflects how the coordinator depends on it: the
// relational backend carries saga/audit state so it fails fast, while
// optional accelerator kinds (document/vector/graph/file) tolerate more
// transient failures before the manager stops dialing them on every call.

// BackendCircuitBreakerConfig is the input to BackendCBConfig: seconds
// rather than time.Duration to match how spec.md's config table expresses
// durations (e.g. discovery_cache_ttl, saga timeout) as plain numbers.
type BackendCircuitBreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logging.Logger
}

// DefaultBackendCBConfig is a balanced preset for a generic backend kind.
func DefaultBackendCBConfig(logger *logging.Logger) Config {
	return BackendCBConfig(BackendCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    3,
		Logger:         logger,
	})
}

// StrictBackendCBConfig trips fast and reopens slowly; use for the
// relational backend, whose outage also stalls SAGA persistence and
// recovery scanning.
func StrictBackendCBConfig(logger *logging.Logger) Config {
	return BackendCBConfig(BackendCircuitBreakerConfig{
		MaxFailures:    3,
		TimeoutSeconds: 60,
		HalfOpenMax:    1,
		Logger:         logger,
	})
}

// LenientBackendCBConfig tolerates more consecutive failures before
// tripping and reopens sooner; use for optional accelerator kinds
// (document/vector/graph/file) whose unavailability only narrows the C5
// strategy plan rather than blocking saga persistence.
func LenientBackendCBConfig(logger *logging.Logger) Config {
	return BackendCBConfig(BackendCircuitBreakerConfig{
		MaxFailures:    10,
		TimeoutSeconds: 15,
		HalfOpenMax:    5,
		Logger:         logger,
	})
}

// BackendCBConfig builds a Config from a BackendCircuitBreakerConfig,
// logging every state transition (from_state/to_state fields) when a
// logger is supplied. The log entry does not name the backend kind.
func BackendCBConfig(cfg BackendCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}

	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = 3
	}

	if cfg.Logger != nil {
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("backend circuit breaker state changed")
		}
	}

	return cbConfig
}

// SecondsToDuration converts a plain-integer seconds value (as used in
// spec.md's config tables) to a time.Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
