// Package metrics provides Prometheus metrics collection for the
// coordinator's CRUD façade, connection pool, backend manager, and recovery
// worker.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics emitted by the coordinator.
type Metrics struct {
	// CRUD façade: per-operation outcome and latency (spec C6 observability).
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	GovernanceRejected *prometheus.CounterVec

	// Connection pool (C3).
	PoolConnectionsActive prometheus.Gauge
	PoolConnectionsIdle   prometheus.Gauge
	PoolLeaseWaitDuration prometheus.Histogram

	// Backend manager (C4): current status per backend kind.
	BackendStatus *prometheus.GaugeVec

	// SAGA orchestrator (C7).
	SagaStatusTotal    *prometheus.GaugeVec
	SagaStepDuration   *prometheus.HistogramVec
	CompensationsTotal *prometheus.CounterVec

	// Recovery worker (C8).
	RecoveryRunsTotal    prometheus.Counter
	RecoveryResumedTotal prometheus.Counter

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default
// Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_operations_total",
				Help: "Total number of CRUD facade operations by backend kind, operation, and outcome.",
			},
			[]string{"service", "kind", "operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_operation_duration_seconds",
				Help:    "CRUD facade operation duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "kind", "operation"},
		),
		GovernanceRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_governance_rejected_total",
				Help: "Total number of operations rejected by the governance engine.",
			},
			[]string{"service", "kind", "reason"},
		),

		PoolConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_pool_connections_active",
				Help: "Current number of leased relational pool connections.",
			},
		),
		PoolConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_pool_connections_idle",
				Help: "Current number of idle relational pool connections.",
			},
		),
		PoolLeaseWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_pool_lease_wait_seconds",
				Help:    "Time spent waiting to lease a relational pool connection.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),

		BackendStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_backend_status",
				Help: "Current backend manager status (1=healthy, 0.5=connecting, 0=error/stopped) per kind.",
			},
			[]string{"service", "kind"},
		),

		SagaStatusTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_saga_status_count",
				Help: "Current number of sagas in each status.",
			},
			[]string{"service", "status"},
		),
		SagaStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_saga_step_duration_seconds",
				Help:    "SAGA step execution duration in seconds.",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
			},
			[]string{"service", "step", "outcome"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_compensations_total",
				Help: "Total number of compensation invocations by outcome.",
			},
			[]string{"service", "step", "outcome"},
		),

		RecoveryRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_recovery_runs_total",
				Help: "Total number of recovery worker scan runs.",
			},
		),
		RecoveryResumedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_recovery_resumed_total",
				Help: "Total number of sagas resumed by the recovery worker.",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_uptime_seconds",
				Help: "Coordinator uptime in seconds.",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_info",
				Help: "Coordinator build/service information.",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OperationsTotal,
			m.OperationDuration,
			m.GovernanceRejected,
			m.PoolConnectionsActive,
			m.PoolConnectionsIdle,
			m.PoolLeaseWaitDuration,
			m.BackendStatus,
			m.SagaStatusTotal,
			m.SagaStepDuration,
			m.CompensationsTotal,
			m.RecoveryRunsTotal,
			m.RecoveryResumedTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordOperation records a CRUD facade operation outcome and latency.
func (m *Metrics) RecordOperation(service, kind, operation, outcome string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(service, kind, operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(service, kind, operation).Observe(duration.Seconds())
}

// RecordGovernanceRejection records an operation blocked by policy.
func (m *Metrics) RecordGovernanceRejection(service, kind, reason string) {
	m.GovernanceRejected.WithLabelValues(service, kind, reason).Inc()
}

// SetPoolGauges sets the active/idle connection gauges for the relational pool.
func (m *Metrics) SetPoolGauges(active, idle int) {
	m.PoolConnectionsActive.Set(float64(active))
	m.PoolConnectionsIdle.Set(float64(idle))
}

// ObservePoolLeaseWait records how long a caller waited to lease a connection.
func (m *Metrics) ObservePoolLeaseWait(d time.Duration) {
	m.PoolLeaseWaitDuration.Observe(d.Seconds())
}

// SetBackendStatus records the current numeric status of a backend kind.
func (m *Metrics) SetBackendStatus(service, kind string, value float64) {
	m.BackendStatus.WithLabelValues(service, kind).Set(value)
}

// SetSagaStatusCount sets the current count of sagas in the given status.
func (m *Metrics) SetSagaStatusCount(service, status string, count int) {
	m.SagaStatusTotal.WithLabelValues(service, status).Set(float64(count))
}

// RecordSagaStep records a SAGA step's execution outcome and duration.
func (m *Metrics) RecordSagaStep(service, step, outcome string, duration time.Duration) {
	m.SagaStepDuration.WithLabelValues(service, step, outcome).Observe(duration.Seconds())
}

// RecordCompensation records a compensation invocation outcome.
func (m *Metrics) RecordCompensation(service, step, outcome string) {
	m.CompensationsTotal.WithLabelValues(service, step, outcome).Inc()
}

// RecordRecoveryRun records a recovery worker scan, and how many sagas it resumed.
func (m *Metrics) RecordRecoveryRun(resumed int) {
	m.RecoveryRunsTotal.Inc()
	m.RecoveryResumedTotal.Add(float64(resumed))
}

// UpdateUptime updates the coordinator uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled reports whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance.
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing a fallback one
// under the "unknown" service name if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
