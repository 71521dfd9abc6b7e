// Package backend defines the uniform Backend Adapter contract (C1) that
// every concrete storage engine implements, and the value types the core
// exchanges with adapters. Concrete adapters (the actual relational,
// document, vector, graph, and file drivers) are external collaborators;
// this package only specifies the interface the core consumes.
package backend

import (
	"context"
	"time"
)

// Kind tags the family of storage a backend belongs to, independent of its
// concrete implementation.
type Kind string

const (
	KindRelational Kind = "relational"
	KindDocument   Kind = "document"
	KindVector     Kind = "vector"
	KindGraph      Kind = "graph"
	KindFile       Kind = "file"
	KindKeyValue   Kind = "key_value"
)

// Primary reports whether kind counts toward strategy selection's primary
// backend count (relational, document, vector, graph). File and key-value
// are optional accelerators.
func (k Kind) Primary() bool {
	switch k {
	case KindRelational, KindDocument, KindVector, KindGraph:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the six recognized kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRelational, KindDocument, KindVector, KindGraph, KindFile, KindKeyValue:
		return true
	default:
		return false
	}
}

// Operation is a CRUD-shaped action name accepted by the Governance Engine
// and dispatched by the CRUD Façade.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Descriptor configures a single backend instance. Immutable after the
// Backend Manager is constructed. Settings is opaque to the core; it is
// forwarded verbatim to the adapter.
type Descriptor struct {
	Kind               Kind
	ImplementationName string
	Host               string
	Port               int
	CredentialsRef     string
	Settings           map[string]any
	Enabled            bool
}

// ErrorClass tags the failure category an adapter reports, so the core can
// apply a retry policy without inspecting free-form error strings.
type ErrorClass string

const (
	ErrClassConnectionLost      ErrorClass = "connection_lost"
	ErrClassConstraintViolation ErrorClass = "constraint_violation"
	ErrClassDeadlock            ErrorClass = "deadlock"
	ErrClassSyntaxOrUsage       ErrorClass = "syntax_or_usage_error"
	ErrClassTimeout             ErrorClass = "timeout"
)

// AdapterError wraps an adapter-reported failure with its error class.
type AdapterError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return string(e.Class) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Class) + ": " + e.Message
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether the error class warrants a retry.
func (e *AdapterError) Retryable() bool {
	switch e.Class {
	case ErrClassConnectionLost, ErrClassDeadlock, ErrClassTimeout:
		return true
	default:
		return false
	}
}

// NewAdapterError constructs an AdapterError.
func NewAdapterError(class ErrorClass, message string, err error) *AdapterError {
	return &AdapterError{Class: class, Message: message, Err: err}
}

// Result is the uniform return value of every kind-specific adapter
// operation. There are no thrown exceptions for business failures, only for
// contract violations.
type Result struct {
	Success bool
	Data    map[string]any
	Error   string
}

// Stats reports optional adapter-level counters.
type Stats struct {
	OperationsTotal int64
	ErrorsTotal     int64
	Extra           map[string]any
}

// Adapter is the capability set every concrete backend must expose,
// independent of its kind-specific operations (see RelationalAdapter,
// DocumentAdapter, VectorAdapter, GraphAdapter, FileAdapter below).
type Adapter interface {
	// Connect transitions the adapter into the connected state. Transient
	// failures are retriable by the caller and should be wrapped with
	// ErrClassConnectionLost or ErrClassTimeout; auth/config failures are
	// permanent and should be wrapped with ErrClassSyntaxOrUsage.
	Connect(ctx context.Context) error

	// Disconnect releases all resources. Idempotent; never fatal.
	Disconnect(ctx context.Context) error

	// IsAvailable is a cheap, non-network liveness check used on hot
	// paths.
	IsAvailable() bool

	// Kind returns this adapter's BackendKind tag.
	Kind() Kind

	// GetStats returns optional operational counters.
	GetStats() Stats
}

// ProbeResult is returned by an adapter's health probe (used by Discovery,
// §4.5), distinct from Adapter.IsAvailable's cheap in-process check.
type ProbeResult struct {
	Reachable bool
	Latency   time.Duration
	Details   map[string]any
}

// Prober is implemented by adapters capable of an active reachability
// probe (a real network round-trip), as opposed to IsAvailable's cheap
// local check.
type Prober interface {
	Probe(ctx context.Context, deadline time.Duration) ProbeResult
}

// RelationalAdapter is the kind-specific contract for the relational
// backend.
type RelationalAdapter interface {
	Adapter
	CreateTable(ctx context.Context, name string, schema map[string]string) Result
	Insert(ctx context.Context, table string, record map[string]any) Result
	Update(ctx context.Context, table string, id string, fields map[string]any) Result
	Select(ctx context.Context, table string, filter map[string]any, order string, limit int) Result
	Delete(ctx context.Context, table string, filter map[string]any) Result
	ExecuteQuery(ctx context.Context, sql string, params []any) Result
}

// DocumentAdapter is the kind-specific contract for the document backend.
type DocumentAdapter interface {
	Adapter
	CreateDocument(ctx context.Context, doc map[string]any, id string) Result
	GetDocument(ctx context.Context, id string) Result
	UpdateDocument(ctx context.Context, id string, changes map[string]any) Result
	DeleteDocument(ctx context.Context, id string) Result
}

// VectorAdapter is the kind-specific contract for the vector backend.
type VectorAdapter interface {
	Adapter
	CreateCollection(ctx context.Context, name string) Result
	Add(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, docs []string) Result
	Search(ctx context.Context, collection string, vector []float32, topK int) Result
	DeleteVectors(ctx context.Context, collection string, idsOrFilter map[string]any) Result
}

// GraphAdapter is the kind-specific contract for the graph backend.
type GraphAdapter interface {
	Adapter
	MergeNode(ctx context.Context, label string, matchProps, setProps map[string]any) Result
	CreateEdge(ctx context.Context, fromID, toID, edgeType string, props map[string]any) Result
	DeleteNode(ctx context.Context, id string) Result
	ExecuteQuery(ctx context.Context, cypherLike string, params map[string]any) Result
}

// FileAdapter is the kind-specific contract for the file/blob backend.
type FileAdapter interface {
	Adapter
	StoreAsset(ctx context.Context, data []byte, sourcePath string, metadata map[string]any) Result
	DeleteAsset(ctx context.Context, assetID string) Result
	GetAsset(ctx context.Context, assetID string) Result
}
