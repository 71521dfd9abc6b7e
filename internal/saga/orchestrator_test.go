package saga

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
	"github.com/R3E-Network/polyglot-coordinator/internal/crud"
	"github.com/R3E-Network/polyglot-coordinator/internal/governance"
)

type fakeRelational struct {
	rows      map[string]map[string]any
	failTable string

	// failUntilAttempt, when > 0, makes Insert against failTable fail on the
	// first N-1 calls and succeed from the Nth call onward, simulating a
	// transient error that a retry resolves.
	failUntilAttempt int
	attempts         map[string]int
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{rows: make(map[string]map[string]any), attempts: make(map[string]int)}
}

func (f *fakeRelational) Connect(ctx context.Context) error    { return nil }
func (f *fakeRelational) Disconnect(ctx context.Context) error { return nil }
func (f *fakeRelational) IsAvailable() bool                    { return true }
func (f *fakeRelational) Kind() backend.Kind                   { return backend.KindRelational }
func (f *fakeRelational) GetStats() backend.Stats              { return backend.Stats{} }

func (f *fakeRelational) CreateTable(ctx context.Context, name string, schema map[string]string) backend.Result {
	return backend.Result{Success: true}
}

func (f *fakeRelational) Insert(ctx context.Context, table string, record map[string]any) backend.Result {
	if table == f.failTable {
		f.attempts[table]++
		if f.failUntilAttempt <= 0 || f.attempts[table] < f.failUntilAttempt {
			return backend.Result{Success: false, Error: "simulated insert failure"}
		}
	}
	id, _ := record["id"].(string)
	f.rows[id] = record
	return backend.Result{Success: true, Data: record}
}

func (f *fakeRelational) Update(ctx context.Context, table, id string, fields map[string]any) backend.Result {
	return backend.Result{Success: true}
}

func (f *fakeRelational) Select(ctx context.Context, table string, filter map[string]any, order string, limit int) backend.Result {
	return backend.Result{Success: true}
}

func (f *fakeRelational) Delete(ctx context.Context, table string, filter map[string]any) backend.Result {
	id, _ := filter["id"].(string)
	delete(f.rows, id)
	return backend.Result{Success: true}
}

func (f *fakeRelational) ExecuteQuery(ctx context.Context, sqlQuery string, params []any) backend.Result {
	return backend.Result{Success: true}
}

func newTestOrchestrator(t *testing.T, adapter *fakeRelational) (*Orchestrator, *Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, DialectSQLite)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	lookup := func(kind backend.Kind) (backend.Adapter, error) { return adapter, nil }
	facade := crud.New(governance.New(nil, false), lookup, func(context.Context, crud.Trace) {}, nil, nil, "test")
	registry := NewRegistry()
	locker := NewInProcessLocker(0)

	orch := New(store, facade, registry, locker, lookup, 0, nil, nil, "test")
	return orch, store
}

func twoStepSaga() []Step {
	return []Step{
		{StepID: "insert-a", Backend: backend.KindRelational, Operation: backend.OpCreate, Target: "documents",
			Payload: map[string]any{"table": "documents", "id": "a", "record": map[string]any{"id": "a"}},
			CompensationName: "relational_delete", IdempotencyKey: "insert-a"},
		{StepID: "insert-b", Backend: backend.KindRelational, Operation: backend.OpCreate, Target: "documents",
			Payload: map[string]any{"table": "documents", "id": "b", "record": map[string]any{"id": "b"}},
			CompensationName: "relational_delete", IdempotencyKey: "insert-b"},
	}
}

func TestExecuteCompletesAllSteps(t *testing.T) {
	adapter := newFakeRelational()
	orch, _ := newTestOrchestrator(t, adapter)

	saga, err := orch.CreateSaga(context.Background(), "onboard-document", "trace-1", twoStepSaga())
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}

	result := orch.Execute(context.Background(), saga.SagaID, 0)
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v (errors: %v)", result.Status, StatusCompleted, result.Errors)
	}
	if len(result.ExecutedSteps) != 2 {
		t.Errorf("ExecutedSteps = %v, want 2 entries", result.ExecutedSteps)
	}
	if _, ok := adapter.rows["a"]; !ok {
		t.Error("expected row a inserted")
	}
}

func TestExecuteCompensatesOnFailure(t *testing.T) {
	adapter := newFakeRelational()
	adapter.failTable = "should-fail"
	orch, _ := newTestOrchestrator(t, adapter)

	steps := twoStepSaga()
	steps[1].Target = "should-fail"
	steps[1].Payload["table"] = "should-fail"

	saga, err := orch.CreateSaga(context.Background(), "onboard-document", "trace-2", steps)
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}

	result := orch.Execute(context.Background(), saga.SagaID, 0)
	if result.Status != StatusCompensated {
		t.Fatalf("Status = %v, want %v", result.Status, StatusCompensated)
	}
	if _, ok := adapter.rows["a"]; ok {
		t.Error("expected row a to be compensated away after step b failed")
	}
}

func TestExecuteRetriesStepBeforeCompensating(t *testing.T) {
	adapter := newFakeRelational()
	adapter.failTable = "flaky"
	adapter.failUntilAttempt = 3 // fails attempts 1 and 2, succeeds on 3
	orch, _ := newTestOrchestrator(t, adapter)

	steps := twoStepSaga()
	steps[1].Target = "flaky"
	steps[1].Payload["table"] = "flaky"

	saga, err := orch.CreateSaga(context.Background(), "onboard-document", "trace-retry", steps)
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}

	result := orch.Execute(context.Background(), saga.SagaID, 3)
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v (errors: %v)", result.Status, StatusCompleted, result.Errors)
	}
	if adapter.attempts["flaky"] != 3 {
		t.Errorf("attempts[flaky] = %d, want 3", adapter.attempts["flaky"])
	}
}

func TestExecuteZeroMaxRetriesCompensatesOnFirstFailure(t *testing.T) {
	adapter := newFakeRelational()
	adapter.failTable = "flaky"
	adapter.failUntilAttempt = 2 // would succeed on attempt 2, but max_retries=0 allows only attempt 1
	orch, _ := newTestOrchestrator(t, adapter)

	steps := twoStepSaga()
	steps[1].Target = "flaky"
	steps[1].Payload["table"] = "flaky"

	saga, err := orch.CreateSaga(context.Background(), "onboard-document", "trace-zero-retry", steps)
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}

	result := orch.Execute(context.Background(), saga.SagaID, 0)
	if result.Status != StatusCompensated {
		t.Fatalf("Status = %v, want %v", result.Status, StatusCompensated)
	}
	if adapter.attempts["flaky"] != 1 {
		t.Errorf("attempts[flaky] = %d, want 1 (max_retries=0 must not retry)", adapter.attempts["flaky"])
	}
}

func TestExecuteIsIdempotentOnRerun(t *testing.T) {
	adapter := newFakeRelational()
	orch, _ := newTestOrchestrator(t, adapter)

	saga, _ := orch.CreateSaga(context.Background(), "onboard-document", "trace-3", twoStepSaga())

	first := orch.Execute(context.Background(), saga.SagaID, 0)
	if first.Status != StatusCompleted {
		t.Fatalf("first Execute Status = %v", first.Status)
	}

	second := orch.Execute(context.Background(), saga.SagaID, 0)
	if second.Status != StatusCompleted {
		t.Fatalf("second Execute (already terminal) Status = %v", second.Status)
	}
}

func TestResumeContinuesFromCurrentStep(t *testing.T) {
	adapter := newFakeRelational()
	orch, store := newTestOrchestrator(t, adapter)

	saga, _ := orch.CreateSaga(context.Background(), "onboard-document", "trace-4", twoStepSaga())

	// Simulate a crash after the first step committed.
	_ = store.AppendEvent(context.Background(), Event{
		SagaID: saga.SagaID, TraceID: "trace-4", StepName: "insert-a",
		EventType: EventTypeStep, Status: EventSuccess, IdempotencyKey: "insert-a",
	})
	_ = store.UpdateSagaProgress(context.Background(), saga.SagaID, StatusRunning, 1)

	result := orch.Resume(context.Background(), saga.SagaID, 0)
	if result.Status != StatusCompleted {
		t.Fatalf("Resume Status = %v, want %v", result.Status, StatusCompleted)
	}
	if _, ok := adapter.rows["a"]; ok {
		t.Error("expected step insert-a to have been skipped as already-succeeded, not re-run")
	}
	if _, ok := adapter.rows["b"]; !ok {
		t.Error("expected step insert-b to run on resume")
	}
}

func TestCompensateForcesNonTerminalSagaToCompensated(t *testing.T) {
	adapter := newFakeRelational()
	orch, store := newTestOrchestrator(t, adapter)

	saga, _ := orch.CreateSaga(context.Background(), "onboard-document", "trace-5", twoStepSaga())
	_ = store.UpdateSagaProgress(context.Background(), saga.SagaID, StatusRunning, 1)
	adapter.rows["a"] = map[string]any{"id": "a"}

	result := orch.Compensate(context.Background(), saga.SagaID)
	if result.Status != StatusCompensated {
		t.Fatalf("Status = %v, want %v", result.Status, StatusCompensated)
	}
	if _, ok := adapter.rows["a"]; ok {
		t.Error("expected row a compensated away")
	}
}
