package coordinator

import (
	"context"
	"testing"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
	"github.com/R3E-Network/polyglot-coordinator/internal/crud"
	"github.com/R3E-Network/polyglot-coordinator/internal/saga"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Relational = RelationalConfig{Enabled: true, Backend: "sqlite", Path: "file::memory:?cache=shared", MinConnections: 1, MaxConnections: 4}
	cfg.ServiceName = "test-coordinator"

	c, err := CreateManager(cfg)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	t.Cleanup(func() { c.StopAll(context.Background()) })

	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if res := c.relAdapter.CreateTable(context.Background(), "items", map[string]string{"name": "TEXT"}); !res.Success {
		t.Fatalf("create table: %s", res.Error)
	}
	return c
}

func TestCreateManagerWiresRelationalBackend(t *testing.T) {
	c := newTestCoordinator(t)
	if c.relAdapter == nil {
		t.Fatal("expected relational adapter to be wired")
	}
	if c.orchestrator == nil {
		t.Fatal("expected saga orchestrator to be wired when relational is enabled")
	}
}

func TestCoordinatorExecuteCreateAndRead(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	create := c.Execute(ctx, crud.Request{
		Kind: backend.KindRelational, Operation: backend.OpCreate, Target: "items",
		Payload: map[string]any{"record": map[string]any{"id": "x1", "name": "widget"}},
	})
	if !create.Success {
		t.Fatalf("create failed: %s", create.Error)
	}

	read := c.Execute(ctx, crud.Request{
		Kind: backend.KindRelational, Operation: backend.OpRead, Target: "items",
		Payload: map[string]any{"filter": map[string]any{"id": "x1"}},
	})
	if !read.Success {
		t.Fatalf("read failed: %s", read.Error)
	}
}

func TestCoordinatorSagaLifecycle(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	steps := []saga.Step{
		{StepID: "insert-item", Backend: backend.KindRelational, Operation: backend.OpCreate, Target: "items",
			Payload: map[string]any{"table": "items", "id": "item-1", "record": map[string]any{"id": "item-1"}},
			CompensationName: "relational_delete", IdempotencyKey: "insert-item-1"},
	}

	s, err := c.CreateSaga(ctx, "create-item", "trace-1", steps)
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}

	result := c.ExecuteSaga(ctx, s.SagaID)
	if result.Status != saga.StatusCompleted {
		t.Fatalf("Status = %v, want %v (errors: %v)", result.Status, saga.StatusCompleted, result.Errors)
	}
}

func TestCoordinatorStrategyReflectsRelationalOnly(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	plan := c.Strategy(ctx)
	if plan.Selected != "relational_enhanced" {
		t.Errorf("Selected = %v, want relational_enhanced (only relational backend registered)", plan.Selected)
	}
}

func TestCoordinatorRecoverySweepRunsClean(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	outcome, err := c.RunRecoverySweep(ctx)
	if err != nil {
		t.Fatalf("run recovery sweep: %v", err)
	}
	if outcome.Scanned != 0 {
		t.Errorf("expected no non-terminal sagas yet, got %d", outcome.Scanned)
	}
}
