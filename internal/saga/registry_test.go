package saga

import (
	"context"
	"testing"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

func TestRelationalDeleteCompensation(t *testing.T) {
	adapter := newFakeRelational()
	adapter.rows["x"] = map[string]any{"id": "x"}

	reg := NewRegistry()
	handler, ok := reg.Get("relational_delete")
	if !ok {
		t.Fatal("expected relational_delete to be a default handler")
	}

	ok2, err := handler(context.Background(), map[string]any{"table": "documents", "id": "x"}, Backends{Relational: adapter})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !ok2 {
		t.Error("expected handler to report success")
	}
	if _, exists := adapter.rows["x"]; exists {
		t.Error("expected row x to be deleted")
	}
}

func TestRelationalDeleteMissingBackend(t *testing.T) {
	reg := NewRegistry()
	handler, _ := reg.Get("relational_delete")

	_, err := handler(context.Background(), map[string]any{"table": "documents", "id": "x"}, Backends{})
	if err == nil {
		t.Fatal("expected error when no relational backend is available")
	}
}

func TestRegistryCustomHandlerOverride(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register("custom_undo", func(ctx context.Context, payload map[string]any, backends Backends) (bool, error) {
		called = true
		return true, nil
	})

	handler, ok := reg.Get("custom_undo")
	if !ok {
		t.Fatal("expected custom handler to be registered")
	}
	if _, err := handler(context.Background(), nil, Backends{}); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !called {
		t.Error("expected custom handler to run")
	}
}

func TestExtractIDFallsBackToRecord(t *testing.T) {
	id := extractID(map[string]any{"record": map[string]any{"id": "nested-id"}})
	if id != "nested-id" {
		t.Errorf("extractID = %q, want %q", id, "nested-id")
	}
}

var _ backend.RelationalAdapter = (*fakeRelational)(nil)
