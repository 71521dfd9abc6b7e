// Package crud implements the CRUD Façade (C6): the only place in the core
// that writes observability. Every operation runs governance before
// dispatch, and adapters never write audit themselves.
package crud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/errors"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/metrics"
	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
	"github.com/R3E-Network/polyglot-coordinator/internal/governance"
)

// validate checks the struct-level shape of a Request (required fields,
// not the payload contents policy governance owns) before anything else
// runs. A single shared instance, since validator caches struct reflection
// internally and is safe for concurrent use.
var validate = validator.New()

// BackendLookup resolves a healthy adapter for kind, mirroring
// manager.Manager.Get's signature so the façade does not import the
// manager package directly (keeping C6 testable against fakes).
type BackendLookup func(kind backend.Kind) (backend.Adapter, error)

// AuditSink receives one audit trace per façade call. Implemented by the
// SAGA orchestrator's persisted audit log, or a no-op in tests.
type AuditSink func(ctx context.Context, trace Trace)

// Trace is the per-operation observability record the façade emits.
// CaseID is extracted from payload (if present, case-insensitive key
// search) and is informational only.
type Trace struct {
	Kind              backend.Kind
	Operation         backend.Operation
	Target            string
	Success           bool
	DurationMS        int64
	GovernanceBlocked bool
	CaseID            string
	ChunkCount        int
	Error             string
}

// Facade applies governance, dispatches to the backend manager, and
// records observability for every (kind, op, payload) call.
type Facade struct {
	governance *governance.Engine
	lookup     BackendLookup
	audit      AuditSink
	logger     *logging.Logger
	metrics    *metrics.Metrics
	service    string
	observe    func(kind backend.Kind, err error)
}

// New constructs a Facade.
func New(gov *governance.Engine, lookup BackendLookup, audit AuditSink, logger *logging.Logger, m *metrics.Metrics, service string) *Facade {
	return &Facade{governance: gov, lookup: lookup, audit: audit, logger: logger, metrics: m, service: service}
}

// SetObserver registers a callback fed one (kind, error) pair per dispatched
// operation (nil error on success). The backend manager uses this to trip
// its per-kind circuit breaker on repeated post-connect operation failures,
// not just connect failures. Optional: a nil observer (the default) is a
// no-op, keeping the façade constructible without a manager in tests.
func (f *Facade) SetObserver(observe func(kind backend.Kind, err error)) {
	f.observe = observe
}

// Request is a single façade call: target names the table / collection /
// label / asset depending on kind; Payload carries the record, filter, or
// changes, depending on Operation.
type Request struct {
	Kind      backend.Kind      `validate:"required"`
	Operation backend.Operation `validate:"required"`
	Target    string            `validate:"required"`
	Payload   map[string]any
}

// Execute runs the C6 pipeline: request shape validation, governance
// allow-list check, payload validation, adapter lookup, dispatch, and
// observability recording.
func (f *Facade) Execute(ctx context.Context, req Request) backend.Result {
	start := time.Now()
	caseID := extractCaseID(req.Payload)

	trace := Trace{Kind: req.Kind, Operation: req.Operation, Target: req.Target, CaseID: caseID}

	if err := validate.Struct(req); err != nil {
		return f.reject(ctx, trace, start, fmt.Sprintf("malformed request: %v", err))
	}

	if v := f.governance.EnsureOperationAllowed(req.Kind, req.Operation); v != nil {
		return f.reject(ctx, trace, start, v.Message)
	}

	if violations := f.governance.ValidatePayload(req.Kind, req.Operation, req.Payload); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Message
		}
		return f.reject(ctx, trace, start, strings.Join(msgs, "; "))
	}

	adapter, err := f.lookup(req.Kind)
	if err != nil {
		trace.Success = false
		trace.Error = err.Error()
		f.finish(ctx, trace, start)
		return backend.Result{Success: false, Error: err.Error()}
	}
	if adapter == nil {
		unavailable := errors.BackendUnavailable(string(req.Kind), nil)
		trace.Success = false
		trace.Error = unavailable.Error()
		f.finish(ctx, trace, start)
		return backend.Result{Success: false, Error: unavailable.Error()}
	}

	result := dispatch(ctx, adapter, req)

	trace.Success = result.Success
	if !result.Success {
		trace.Error = result.Error
	}
	if f.observe != nil {
		var opErr error
		if !result.Success {
			opErr = fmt.Errorf("%s", result.Error)
		}
		f.observe(req.Kind, opErr)
	}
	f.finish(ctx, trace, start)

	return result
}

func (f *Facade) reject(ctx context.Context, trace Trace, start time.Time, message string) backend.Result {
	trace.Success = false
	trace.GovernanceBlocked = true
	trace.Error = message
	f.finish(ctx, trace, start)
	return backend.Result{Success: false, Error: message}
}

func (f *Facade) finish(ctx context.Context, trace Trace, start time.Time) {
	trace.DurationMS = time.Since(start).Milliseconds()

	outcome := "success"
	if !trace.Success {
		outcome = "error"
	}

	if f.metrics != nil {
		f.metrics.RecordOperation(f.service, string(trace.Kind), string(trace.Operation), outcome, time.Since(start))
		if trace.GovernanceBlocked {
			f.metrics.RecordGovernanceRejection(f.service, string(trace.Kind), "governance_blocked")
		}
	}
	if f.logger != nil {
		if trace.Success {
			f.logger.LogBackendProbe(ctx, string(trace.Kind), string(trace.Operation), true, time.Duration(trace.DurationMS)*time.Millisecond, nil)
		} else {
			f.logger.LogBackendProbe(ctx, string(trace.Kind), string(trace.Operation), false, time.Duration(trace.DurationMS)*time.Millisecond, fmt.Errorf("%s", trace.Error))
		}
	}
	if f.audit != nil {
		f.audit(ctx, trace)
	}
}

func extractCaseID(payload map[string]any) string {
	for key, value := range payload {
		if strings.EqualFold(key, "case_id") {
			if s, ok := value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// dispatch routes the request to the kind-specific adapter operation.
func dispatch(ctx context.Context, adapter backend.Adapter, req Request) backend.Result {
	switch req.Kind {
	case backend.KindRelational:
		a, ok := adapter.(backend.RelationalAdapter)
		if !ok {
			return usageError("adapter does not implement RelationalAdapter")
		}
		return dispatchRelational(ctx, a, req)
	case backend.KindDocument:
		a, ok := adapter.(backend.DocumentAdapter)
		if !ok {
			return usageError("adapter does not implement DocumentAdapter")
		}
		return dispatchDocument(ctx, a, req)
	case backend.KindVector:
		a, ok := adapter.(backend.VectorAdapter)
		if !ok {
			return usageError("adapter does not implement VectorAdapter")
		}
		return dispatchVector(ctx, a, req)
	case backend.KindGraph:
		a, ok := adapter.(backend.GraphAdapter)
		if !ok {
			return usageError("adapter does not implement GraphAdapter")
		}
		return dispatchGraph(ctx, a, req)
	case backend.KindFile:
		a, ok := adapter.(backend.FileAdapter)
		if !ok {
			return usageError("adapter does not implement FileAdapter")
		}
		return dispatchFile(ctx, a, req)
	default:
		return usageError(fmt.Sprintf("unsupported backend kind %q", req.Kind))
	}
}

func usageError(message string) backend.Result {
	return backend.Result{Success: false, Error: message}
}

func dispatchRelational(ctx context.Context, a backend.RelationalAdapter, req Request) backend.Result {
	switch req.Operation {
	case backend.OpCreate:
		record, _ := req.Payload["record"].(map[string]any)
		return a.Insert(ctx, req.Target, record)
	case backend.OpRead:
		filter, _ := req.Payload["filter"].(map[string]any)
		order, _ := req.Payload["order"].(string)
		limit, _ := req.Payload["limit"].(int)
		return a.Select(ctx, req.Target, filter, order, limit)
	case backend.OpUpdate:
		id, _ := req.Payload["id"].(string)
		fields, _ := req.Payload["fields"].(map[string]any)
		return a.Update(ctx, req.Target, id, fields)
	case backend.OpDelete:
		filter, _ := req.Payload["filter"].(map[string]any)
		return a.Delete(ctx, req.Target, filter)
	default:
		return usageError(fmt.Sprintf("unsupported operation %q for relational backend", req.Operation))
	}
}

func dispatchDocument(ctx context.Context, a backend.DocumentAdapter, req Request) backend.Result {
	switch req.Operation {
	case backend.OpCreate:
		id, _ := req.Payload["id"].(string)
		return a.CreateDocument(ctx, req.Payload, id)
	case backend.OpRead:
		id, _ := req.Payload["id"].(string)
		return a.GetDocument(ctx, id)
	case backend.OpUpdate:
		id, _ := req.Payload["id"].(string)
		changes, _ := req.Payload["changes"].(map[string]any)
		return a.UpdateDocument(ctx, id, changes)
	case backend.OpDelete:
		id, _ := req.Payload["id"].(string)
		return a.DeleteDocument(ctx, id)
	default:
		return usageError(fmt.Sprintf("unsupported operation %q for document backend", req.Operation))
	}
}

func dispatchVector(ctx context.Context, a backend.VectorAdapter, req Request) backend.Result {
	switch req.Operation {
	case backend.OpCreate:
		ids, _ := req.Payload["ids"].([]string)
		vectors, _ := req.Payload["vectors"].([][]float32)
		metadatas, _ := req.Payload["metadatas"].([]map[string]any)
		docs, _ := req.Payload["docs"].([]string)
		return a.Add(ctx, req.Target, ids, vectors, metadatas, docs)
	case backend.OpRead:
		vector, _ := req.Payload["vector"].([]float32)
		topK, _ := req.Payload["top_k"].(int)
		return a.Search(ctx, req.Target, vector, topK)
	case backend.OpDelete:
		filter, _ := req.Payload["filter"].(map[string]any)
		return a.DeleteVectors(ctx, req.Target, filter)
	default:
		return usageError(fmt.Sprintf("unsupported operation %q for vector backend", req.Operation))
	}
}

func dispatchGraph(ctx context.Context, a backend.GraphAdapter, req Request) backend.Result {
	switch req.Operation {
	case backend.OpCreate, backend.OpUpdate:
		matchProps, _ := req.Payload["match_props"].(map[string]any)
		setProps, _ := req.Payload["set_props"].(map[string]any)
		return a.MergeNode(ctx, req.Target, matchProps, setProps)
	case backend.OpRead:
		query, _ := req.Payload["query"].(string)
		params, _ := req.Payload["params"].(map[string]any)
		return a.ExecuteQuery(ctx, query, params)
	case backend.OpDelete:
		id, _ := req.Payload["id"].(string)
		return a.DeleteNode(ctx, id)
	default:
		return usageError(fmt.Sprintf("unsupported operation %q for graph backend", req.Operation))
	}
}

func dispatchFile(ctx context.Context, a backend.FileAdapter, req Request) backend.Result {
	switch req.Operation {
	case backend.OpCreate:
		data, _ := req.Payload["data"].([]byte)
		sourcePath, _ := req.Payload["source_path"].(string)
		return a.StoreAsset(ctx, data, sourcePath, req.Payload)
	case backend.OpRead:
		assetID, _ := req.Payload["asset_id"].(string)
		return a.GetAsset(ctx, assetID)
	case backend.OpDelete:
		assetID, _ := req.Payload["asset_id"].(string)
		return a.DeleteAsset(ctx, assetID)
	default:
		return usageError(fmt.Sprintf("unsupported operation %q for file backend", req.Operation))
	}
}
