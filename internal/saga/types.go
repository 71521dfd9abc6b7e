// Package saga implements the SAGA Orchestrator (C7): persisted, idempotent,
// resumable multi-store transactions with ordered forward steps and
// reverse-order compensations, event-sourced into a durable log with
// advisory locking to prevent concurrent execution of the same saga.
package saga

import (
	"encoding/json"
	"time"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

// Status is the saga's position in the C7 state machine.
type Status string

const (
	StatusCreated            Status = "created"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusAborted            Status = "aborted"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
	StatusFailed             Status = "failed"
)

// Terminal reports whether status is a terminal state that is never
// re-executed, only read.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusCompensated, StatusCompensationFailed:
		return true
	default:
		return false
	}
}

// EventType distinguishes a forward step event from a compensation event.
type EventType string

const (
	EventTypeStep         EventType = "step"
	EventTypeCompensation EventType = "compensation"
)

// EventStatus is a SagaEvent's outcome tag. SKIPPED supplements spec.md's
// base four (PENDING, SUCCESS, FAIL, COMPENSATED) to record an idempotent
// re-execution that short-circuited the adapter call (§4.7 execution
// step 2's "record the step as skipped").
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventSuccess    EventStatus = "SUCCESS"
	EventFail       EventStatus = "FAIL"
	EventCompensated EventStatus = "COMPENSATED"
	EventSkipped    EventStatus = "SKIPPED"
)

// Step is a single forward action in a saga's ordered step list. Order is
// the commit order.
type Step struct {
	StepID           string            `json:"step_id"`
	Backend          backend.Kind      `json:"backend"`
	Operation        backend.Operation `json:"operation"`
	Target           string            `json:"target"`
	Payload          map[string]any    `json:"payload"`
	CompensationName string            `json:"compensation_name,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
}

// Context is the persisted context_json payload: the step list verbatim,
// as created.
type Context struct {
	Steps []Step `json:"steps"`
}

// Marshal serializes the context for persistence.
func (c Context) Marshal() ([]byte, error) { return json.Marshal(c) }

// UnmarshalContext deserializes a persisted context_json blob.
func UnmarshalContext(raw []byte) (Context, error) {
	var c Context
	if len(raw) == 0 {
		return c, nil
	}
	err := json.Unmarshal(raw, &c)
	return c, err
}

// Saga is the persisted saga record.
type Saga struct {
	SagaID      string
	Name        string
	TraceID     string
	Status      Status
	Context     Context
	CurrentStep int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is an append-only SagaEvent row. Never updated or deleted by the
// core.
type Event struct {
	EventID        string
	SagaID         string
	TraceID        string
	StepName       string
	EventType      EventType
	Status         EventStatus
	DurationMS     int64
	Payload        map[string]any
	Error          string
	IdempotencyKey string
	CreatedAt      time.Time
}

// AuditEntry is an append-only audit_log row, written on every terminal
// step event.
type AuditEntry struct {
	AuditID    string
	SagaID     string
	SagaName   string
	TraceID    string
	CaseID     string
	DocumentID string
	StepName   string
	EventType  EventType
	Status     EventStatus
	DurationMS int64
	Details    map[string]any
	Actor      string
	CreatedAt  time.Time
}

// Result is the full result record returned by Execute/Resume/Compensate.
type Result struct {
	SagaID              string
	Status              Status
	ExecutedSteps       []string
	Errors              []string
	CompensationErrors  []string
}
