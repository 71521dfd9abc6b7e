package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

// Backends is the set of adapters a compensation handler may need,
// mirroring spec.md §4.7's "each compensation receives the payload and the
// relevant backend handles."
type Backends struct {
	Relational backend.RelationalAdapter
	Graph      backend.GraphAdapter
	Vector     backend.VectorAdapter
	Document   backend.DocumentAdapter
	File       backend.FileAdapter
}

// Handler undoes one forward step. It must be idempotent: calling it twice
// on an already-compensated step must return (true, nil), not an error.
type Handler func(ctx context.Context, payload map[string]any, backends Backends) (bool, error)

// Registry holds named compensation handlers. Built-ins cover the three
// default recipes spec.md §4.7 names; callers add domain-specific ones with
// Register.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a Registry seeded with the default handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("relational_delete", relationalDelete)
	r.Register("graph_delete_node", graphDeleteNode)
	r.Register("vector_delete_chunks", vectorDeleteChunks)
	return r
}

// Register adds or replaces a named handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get looks up a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// relationalDelete undoes an insert by removing the row keyed by
// payload["id"] (falling back to payload["record"]["id"]) from
// payload["table"]. Returns (true, nil) if the row is already gone.
func relationalDelete(ctx context.Context, payload map[string]any, backends Backends) (bool, error) {
	if backends.Relational == nil {
		return false, fmt.Errorf("relational_delete: no relational backend available")
	}
	table, _ := payload["table"].(string)
	if table == "" {
		return false, fmt.Errorf("relational_delete: payload missing table")
	}
	id := extractID(payload)
	if id == "" {
		return false, fmt.Errorf("relational_delete: payload missing id")
	}
	result := backends.Relational.Delete(ctx, table, map[string]any{"id": id})
	if !result.Success {
		return false, fmt.Errorf("relational_delete: %s", result.Error)
	}
	return true, nil
}

// graphDeleteNode undoes a node merge by deleting the node keyed by
// payload["id"].
func graphDeleteNode(ctx context.Context, payload map[string]any, backends Backends) (bool, error) {
	if backends.Graph == nil {
		return false, fmt.Errorf("graph_delete_node: no graph backend available")
	}
	id := extractID(payload)
	if id == "" {
		return false, fmt.Errorf("graph_delete_node: payload missing id")
	}
	result := backends.Graph.DeleteNode(ctx, id)
	if !result.Success {
		return false, fmt.Errorf("graph_delete_node: %s", result.Error)
	}
	return true, nil
}

// vectorDeleteChunks undoes an Add by deleting the vectors keyed by
// payload["ids"] (or payload["document_id"] as a filter) from
// payload["collection"].
func vectorDeleteChunks(ctx context.Context, payload map[string]any, backends Backends) (bool, error) {
	if backends.Vector == nil {
		return false, fmt.Errorf("vector_delete_chunks: no vector backend available")
	}
	collection, _ := payload["collection"].(string)
	if collection == "" {
		return false, fmt.Errorf("vector_delete_chunks: payload missing collection")
	}
	filter := map[string]any{}
	if ids, ok := payload["ids"].([]string); ok && len(ids) > 0 {
		filter["ids"] = ids
	} else if docID, ok := payload["document_id"].(string); ok && docID != "" {
		filter["document_id"] = docID
	} else {
		return false, fmt.Errorf("vector_delete_chunks: payload missing ids or document_id")
	}
	result := backends.Vector.DeleteVectors(ctx, collection, filter)
	if !result.Success {
		return false, fmt.Errorf("vector_delete_chunks: %s", result.Error)
	}
	return true, nil
}

func extractID(payload map[string]any) string {
	if id, ok := payload["id"].(string); ok && id != "" {
		return id
	}
	if record, ok := payload["record"].(map[string]any); ok {
		if id, ok := record["id"].(string); ok {
			return id
		}
	}
	return ""
}
