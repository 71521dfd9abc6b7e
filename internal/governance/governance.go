// Package governance implements the declarative policy gate (C2): an
// allow-list of operations and forbid-list of field names / value types per
// backend kind, checked before any operation reaches an adapter.
package governance

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

// ValueType tags the coarse value category used by forbidden-type rules.
type ValueType string

const (
	ValueTypeString ValueType = "string"
	ValueTypeNumber ValueType = "number"
	ValueTypeBool   ValueType = "bool"
	ValueTypeBinary ValueType = "binary"
	ValueTypeMap    ValueType = "map"
	ValueTypeSlice  ValueType = "slice"
	ValueTypeNull   ValueType = "null"
)

// Policy is the per-backend-kind governance configuration.
type Policy struct {
	AllowedOperations  map[backend.Operation]bool
	ForbiddenFieldNames map[string]bool // lower-cased
	ForbiddenValueTypes map[ValueType]bool
}

// Violation describes a single governance rejection.
type Violation struct {
	Backend   backend.Kind
	Operation backend.Operation
	FieldPath string
	Message   string
}

// DefaultPolicies returns the shipped default policy set: the graph backend
// forbids content-like fields and any binary value; the relational backend
// forbids binary blobs.
func DefaultPolicies() map[backend.Kind]Policy {
	allCRUD := map[backend.Operation]bool{
		backend.OpCreate: true,
		backend.OpRead:   true,
		backend.OpUpdate: true,
		backend.OpDelete: true,
	}

	return map[backend.Kind]Policy{
		backend.KindGraph: {
			AllowedOperations: allCRUD,
			ForbiddenFieldNames: toSet(
				"content", "fulltext", "raw_content", "binary_content", "chunks",
			),
			ForbiddenValueTypes: map[ValueType]bool{ValueTypeBinary: true},
		},
		backend.KindRelational: {
			AllowedOperations:   allCRUD,
			ForbiddenFieldNames: map[string]bool{},
			ForbiddenValueTypes: map[ValueType]bool{ValueTypeBinary: true},
		},
		backend.KindDocument: {
			AllowedOperations:   allCRUD,
			ForbiddenFieldNames: map[string]bool{},
			ForbiddenValueTypes: map[ValueType]bool{},
		},
		backend.KindVector: {
			AllowedOperations:   allCRUD,
			ForbiddenFieldNames: map[string]bool{},
			ForbiddenValueTypes: map[ValueType]bool{},
		},
		backend.KindFile: {
			AllowedOperations:   allCRUD,
			ForbiddenFieldNames: map[string]bool{},
			ForbiddenValueTypes: map[ValueType]bool{},
		},
		backend.KindKeyValue: {
			AllowedOperations:   allCRUD,
			ForbiddenFieldNames: map[string]bool{},
			ForbiddenValueTypes: map[ValueType]bool{},
		},
	}
}

func toSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}

// Engine evaluates operations and payloads against the configured
// policies. The strict flag is stored and reported by Strict(); it does
// not change what EnsureOperationAllowed, ValidatePayload or Check return,
// which is the same violation result in either mode.
type Engine struct {
	policies map[backend.Kind]Policy
	strict   bool
}

// New constructs an Engine. Unset kinds in policies fall back to
// DefaultPolicies.
func New(policies map[backend.Kind]Policy, strict bool) *Engine {
	merged := DefaultPolicies()
	for kind, p := range policies {
		merged[kind] = p
	}
	return &Engine{policies: merged, strict: strict}
}

// EnsureOperationAllowed rejects with a Violation if op is not in the
// kind's allow-list.
func (e *Engine) EnsureOperationAllowed(kind backend.Kind, op backend.Operation) *Violation {
	policy, ok := e.policies[kind]
	if !ok || !policy.AllowedOperations[op] {
		return &Violation{
			Backend:   kind,
			Operation: op,
			Message:   fmt.Sprintf("operation %q is not allowed for backend %q", op, kind),
		}
	}
	return nil
}

// ValidatePayload walks payload depth-first, collecting one Violation per
// offending leaf: a forbidden field name (case-insensitive, last path
// segment) or a forbidden value type. All violations are collected before
// returning.
func (e *Engine) ValidatePayload(kind backend.Kind, op backend.Operation, payload map[string]any) []Violation {
	policy, ok := e.policies[kind]
	if !ok {
		return nil
	}

	var violations []Violation
	walk("", payload, &policy, kind, op, &violations)
	return violations
}

func walk(path string, value any, policy *Policy, kind backend.Kind, op backend.Operation, violations *[]Violation) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if policy.ForbiddenFieldNames[strings.ToLower(key)] {
				*violations = append(*violations, Violation{
					Backend:   kind,
					Operation: op,
					FieldPath: childPath,
					Message:   fmt.Sprintf("field %q is forbidden for backend %q", key, kind),
				})
				continue
			}
			walk(childPath, child, policy, kind, op, violations)
		}
	case []any:
		for i, child := range v {
			walk(fmt.Sprintf("%s[%d]", path, i), child, policy, kind, op, violations)
		}
	default:
		vt := classify(value)
		if policy.ForbiddenValueTypes[vt] {
			*violations = append(*violations, Violation{
				Backend:   kind,
				Operation: op,
				FieldPath: path,
				Message:   fmt.Sprintf("value type %q is forbidden for backend %q at %q", vt, kind, path),
			})
		}
	}
}

func classify(value any) ValueType {
	switch value.(type) {
	case nil:
		return ValueTypeNull
	case string:
		return ValueTypeString
	case bool:
		return ValueTypeBool
	case int, int32, int64, float32, float64:
		return ValueTypeNumber
	case []byte:
		return ValueTypeBinary
	default:
		return ValueTypeString
	}
}

// Check runs EnsureOperationAllowed then ValidatePayload, returning all
// violations found. In strict mode (the Engine's default), callers should
// treat a non-empty result as fatal; in lenient mode, callers may continue
// processing using the returned list.
func (e *Engine) Check(kind backend.Kind, op backend.Operation, payload map[string]any) []Violation {
	var violations []Violation
	if v := e.EnsureOperationAllowed(kind, op); v != nil {
		violations = append(violations, *v)
		// An operation-level rejection makes payload validation moot.
		return violations
	}
	violations = append(violations, e.ValidatePayload(kind, op, payload)...)
	return violations
}

// Strict reports whether the engine is configured in strict mode.
func (e *Engine) Strict() bool { return e.strict }
