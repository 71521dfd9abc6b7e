package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	if m.OperationsTotal == nil {
		t.Error("OperationsTotal should not be nil")
	}
	if m.OperationDuration == nil {
		t.Error("OperationDuration should not be nil")
	}
	if m.GovernanceRejected == nil {
		t.Error("GovernanceRejected should not be nil")
	}
}

func TestRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordOperation("test-service", "relational", "create", "success", 100*time.Millisecond)

	metric := &dto.Metric{}
	if err := m.OperationsTotal.WithLabelValues("test-service", "relational", "create", "success").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("OperationsTotal = %v, want 1", metric.Counter.GetValue())
	}
}

func TestRecordGovernanceRejection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordGovernanceRejection("test-service", "document", "forbidden_field")

	metric := &dto.Metric{}
	if err := m.GovernanceRejected.WithLabelValues("test-service", "document", "forbidden_field").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("GovernanceRejected = %v, want 1", metric.Counter.GetValue())
	}
}

func TestSetPoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.SetPoolGauges(5, 3)

	active := &dto.Metric{}
	if err := m.PoolConnectionsActive.Write(active); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if active.Gauge.GetValue() != 5 {
		t.Errorf("PoolConnectionsActive = %v, want 5", active.Gauge.GetValue())
	}

	idle := &dto.Metric{}
	if err := m.PoolConnectionsIdle.Write(idle); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if idle.Gauge.GetValue() != 3 {
		t.Errorf("PoolConnectionsIdle = %v, want 3", idle.Gauge.GetValue())
	}
}

func TestObservePoolLeaseWait(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.ObservePoolLeaseWait(5 * time.Millisecond)
}

func TestSetBackendStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.SetBackendStatus("test-service", "vector", 1)

	metric := &dto.Metric{}
	if err := m.BackendStatus.WithLabelValues("test-service", "vector").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 1 {
		t.Errorf("BackendStatus = %v, want 1", metric.Gauge.GetValue())
	}
}

func TestSetSagaStatusCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.SetSagaStatusCount("test-service", "running", 4)

	metric := &dto.Metric{}
	if err := m.SagaStatusTotal.WithLabelValues("test-service", "running").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 4 {
		t.Errorf("SagaStatusTotal = %v, want 4", metric.Gauge.GetValue())
	}
}

func TestRecordSagaStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	// Should not panic
	m.RecordSagaStep("test-service", "debit-account", "success", 2*time.Second)
	m.RecordSagaStep("test-service", "debit-account", "failed", 1*time.Second)
}

func TestRecordCompensation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordCompensation("test-service", "debit-account", "success")

	metric := &dto.Metric{}
	if err := m.CompensationsTotal.WithLabelValues("test-service", "debit-account", "success").Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("CompensationsTotal = %v, want 1", metric.Counter.GetValue())
	}
}

func TestRecordRecoveryRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordRecoveryRun(2)

	runs := &dto.Metric{}
	if err := m.RecoveryRunsTotal.Write(runs); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if runs.Counter.GetValue() != 1 {
		t.Errorf("RecoveryRunsTotal = %v, want 1", runs.Counter.GetValue())
	}

	resumed := &dto.Metric{}
	if err := m.RecoveryResumedTotal.Write(resumed); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if resumed.Counter.GetValue() != 2 {
		t.Errorf("RecoveryResumedTotal = %v, want 2", resumed.Counter.GetValue())
	}
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)
	startTime := time.Now().Add(-1 * time.Hour)

	// Should not panic
	m.UpdateUptime(startTime)
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	// Verify metrics are registered
	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}
