package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/metrics"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/resilience"
	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
	"github.com/R3E-Network/polyglot-coordinator/internal/crud"
)

// DefaultDeadline is spec.md §4.7's default overall soft deadline: a saga
// that has not finished its forward steps by this point is compensated
// rather than left running indefinitely.
const DefaultDeadline = 300 * time.Second

// DefaultMaxRetries is spec.md §4.7's execute() default: up to 3 retries
// per step, exponential backoff base 0.1s, before the step is failed and
// compensation begins. Callers pass this explicitly (e.g. from
// coordinator.Config.SagaMaxRetries); 0 is a valid, distinct value meaning
// "no retries, fail and compensate on the first error" — it is not a
// sentinel for "use the default".
const DefaultMaxRetries = 3

// stepRetryBaseDelay and compensationRetryBaseDelay match the two different
// backoff bases used by the original saga implementation: steps retry
// fast (0.1s base) since they're usually transient I/O hiccups;
// compensations retry slower (1s base) since they run during an already-
// failing saga and are the last line of defense against leaving a
// half-applied side effect behind.
const stepRetryBaseDelay = 100 * time.Millisecond
const compensationRetryBaseDelay = time.Second

// compensationRetries is the fixed retry budget for each compensation step
// (spec.md §4.7 step 4: "retry each compensation up to 3 times with
// backoff"). Unlike step execution, this is not caller-configurable.
const compensationRetries = 3

// Orchestrator runs sagas to completion or compensation, persisting every
// step outcome so a crash mid-execution can resume exactly where it left
// off (Resume and Execute share the same code path).
type Orchestrator struct {
	store    *Store
	facade   *crud.Facade
	registry *Registry
	locker   Locker
	lookup   crud.BackendLookup
	deadline time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics
	service  string
}

// New constructs an Orchestrator. deadline <= 0 uses DefaultDeadline.
func New(store *Store, facade *crud.Facade, registry *Registry, locker Locker, lookup crud.BackendLookup, deadline time.Duration, logger *logging.Logger, m *metrics.Metrics, service string) *Orchestrator {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Orchestrator{
		store: store, facade: facade, registry: registry, locker: locker,
		lookup: lookup, deadline: deadline, logger: logger, metrics: m, service: service,
	}
}

// CreateSaga persists a new saga with its ordered step list, in
// StatusCreated. It does not execute anything.
func (o *Orchestrator) CreateSaga(ctx context.Context, name, traceID string, steps []Step) (*Saga, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("create saga %q: at least one step is required", name)
	}
	return o.store.CreateSaga(ctx, name, traceID, steps)
}

// Execute runs (or continues) a saga's forward steps, compensating after
// maxRetries failed attempts on a single step. Safe to call on a saga that
// already has progress; it resumes from current_step. maxRetries is used
// literally: 0 means a step fails and compensates on its first error.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string, maxRetries int) Result {
	return o.run(ctx, sagaID, maxRetries)
}

// Resume re-enters a non-terminal saga exactly where Execute left off,
// including mid-compensation. Used by the recovery worker after a crash.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string, maxRetries int) Result {
	return o.run(ctx, sagaID, maxRetries)
}

// Compensate forces a healthy, still-running saga into compensation
// (an operator-triggered abort), rather than waiting for a step failure.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) Result {
	release, err := o.locker.Acquire(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID, Errors: []string{err.Error()}}
	}
	defer release()

	rec, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID, Errors: []string{err.Error()}}
	}
	if rec.Status.Terminal() {
		return Result{SagaID: sagaID, Status: rec.Status}
	}

	if err := o.store.UpdateSagaProgress(ctx, sagaID, StatusCompensating, rec.CurrentStep); err != nil {
		return Result{SagaID: sagaID, Errors: []string{err.Error()}}
	}
	rec.Status = StatusCompensating
	return o.runCompensation(ctx, rec, rec.CurrentStep-1)
}

func (o *Orchestrator) run(ctx context.Context, sagaID string, maxRetries int) Result {
	if maxRetries < 0 {
		maxRetries = 0
	}

	release, err := o.locker.Acquire(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID, Errors: []string{err.Error()}}
	}
	defer release()

	rec, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID, Errors: []string{err.Error()}}
	}
	if rec.Status.Terminal() {
		return Result{SagaID: sagaID, Status: rec.Status}
	}

	switch rec.Status {
	case StatusCreated, StatusRunning:
		return o.runForward(ctx, rec, maxRetries)
	case StatusCompensating:
		return o.runCompensation(ctx, rec, rec.CurrentStep-1)
	default:
		return Result{SagaID: sagaID, Status: rec.Status}
	}
}

func (o *Orchestrator) runForward(ctx context.Context, rec *Saga, maxRetries int) Result {
	deadline := time.Now().Add(o.deadline)
	steps := rec.Context.Steps
	var executed []string

	if rec.Status == StatusCreated {
		if err := o.store.UpdateSagaProgress(ctx, rec.SagaID, StatusRunning, rec.CurrentStep); err != nil {
			return Result{SagaID: rec.SagaID, Errors: []string{err.Error()}}
		}
	}

	for i := rec.CurrentStep; i < len(steps); i++ {
		if time.Now().After(deadline) {
			o.logDeadline(ctx, rec)
			return o.beginCompensation(ctx, rec, i-1, "overall saga deadline exceeded")
		}

		step := steps[i]
		start := time.Now()

		already, err := o.store.HasSuccessEvent(ctx, rec.SagaID, step.StepID, step.IdempotencyKey)
		if err != nil {
			return Result{SagaID: rec.SagaID, Status: StatusRunning, ExecutedSteps: executed, Errors: []string{err.Error()}}
		}
		if already {
			o.recordEvent(ctx, rec, step, EventTypeStep, EventSkipped, 0, "")
			executed = append(executed, step.StepID)
			_ = o.store.UpdateSagaProgress(ctx, rec.SagaID, StatusRunning, i+1)
			continue
		}

		var result backend.Result
		retryCfg := resilience.RetryConfig{
			MaxAttempts:  maxRetries + 1,
			InitialDelay: stepRetryBaseDelay,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}
		retryErr := resilience.Retry(ctx, retryCfg, func() error {
			result = o.facade.Execute(ctx, requestFromStep(step))
			if !result.Success {
				return errors.New(result.Error)
			}
			return nil
		})
		duration := time.Since(start)

		if retryErr != nil {
			o.recordEvent(ctx, rec, step, EventTypeStep, EventFail, duration.Milliseconds(), result.Error)
			return o.beginCompensation(ctx, rec, i-1, result.Error)
		}

		o.recordEvent(ctx, rec, step, EventTypeStep, EventSuccess, duration.Milliseconds(), "")
		executed = append(executed, step.StepID)
		if err := o.store.UpdateSagaProgress(ctx, rec.SagaID, StatusRunning, i+1); err != nil {
			return Result{SagaID: rec.SagaID, Status: StatusRunning, ExecutedSteps: executed, Errors: []string{err.Error()}}
		}
	}

	if err := o.store.UpdateSagaProgress(ctx, rec.SagaID, StatusCompleted, len(steps)); err != nil {
		return Result{SagaID: rec.SagaID, Status: StatusRunning, ExecutedSteps: executed, Errors: []string{err.Error()}}
	}
	return Result{SagaID: rec.SagaID, Status: StatusCompleted, ExecutedSteps: executed}
}

func (o *Orchestrator) beginCompensation(ctx context.Context, rec *Saga, fromIndex int, reason string) Result {
	if err := o.store.UpdateSagaProgress(ctx, rec.SagaID, StatusCompensating, fromIndex+1); err != nil {
		return Result{SagaID: rec.SagaID, Errors: []string{reason, err.Error()}}
	}
	result := o.runCompensation(ctx, rec, fromIndex)
	result.Errors = append(result.Errors, reason)
	return result
}

func (o *Orchestrator) runCompensation(ctx context.Context, rec *Saga, fromIndex int) Result {
	steps := rec.Context.Steps
	var compErrors []string

	for i := fromIndex; i >= 0; i-- {
		step := steps[i]
		if step.CompensationName == "" {
			continue
		}
		handler, ok := o.registry.Get(step.CompensationName)
		if !ok {
			msg := fmt.Sprintf("step %s: no compensation handler %q registered", step.StepID, step.CompensationName)
			compErrors = append(compErrors, msg)
			o.recordEvent(ctx, rec, step, EventTypeCompensation, EventFail, 0, msg)
			continue
		}

		start := time.Now()
		backends := o.resolveBackends()
		retryCfg := resilience.RetryConfig{
			MaxAttempts:  compensationRetries + 1,
			InitialDelay: compensationRetryBaseDelay,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
		var handlerErr error
		err := resilience.Retry(ctx, retryCfg, func() error {
			_, handlerErr = handler(ctx, step.Payload, backends)
			return handlerErr
		})
		duration := time.Since(start)

		if err != nil {
			compErrors = append(compErrors, fmt.Sprintf("step %s: %s", step.StepID, err.Error()))
			o.recordEvent(ctx, rec, step, EventTypeCompensation, EventFail, duration.Milliseconds(), err.Error())
			continue
		}
		o.recordEvent(ctx, rec, step, EventTypeCompensation, EventCompensated, duration.Milliseconds(), "")
	}

	finalStatus := StatusCompensated
	if len(compErrors) > 0 {
		finalStatus = StatusCompensationFailed
	}
	if err := o.store.UpdateSagaProgress(ctx, rec.SagaID, finalStatus, 0); err != nil {
		compErrors = append(compErrors, err.Error())
	}

	return Result{SagaID: rec.SagaID, Status: finalStatus, CompensationErrors: compErrors}
}

func (o *Orchestrator) resolveBackends() Backends {
	var b Backends
	if o.lookup == nil {
		return b
	}
	if a, err := o.lookup(backend.KindRelational); err == nil && a != nil {
		b.Relational, _ = a.(backend.RelationalAdapter)
	}
	if a, err := o.lookup(backend.KindGraph); err == nil && a != nil {
		b.Graph, _ = a.(backend.GraphAdapter)
	}
	if a, err := o.lookup(backend.KindVector); err == nil && a != nil {
		b.Vector, _ = a.(backend.VectorAdapter)
	}
	if a, err := o.lookup(backend.KindDocument); err == nil && a != nil {
		b.Document, _ = a.(backend.DocumentAdapter)
	}
	if a, err := o.lookup(backend.KindFile); err == nil && a != nil {
		b.File, _ = a.(backend.FileAdapter)
	}
	return b
}

func requestFromStep(step Step) crud.Request {
	return crud.Request{Kind: step.Backend, Operation: step.Operation, Target: step.Target, Payload: step.Payload}
}

func (o *Orchestrator) recordEvent(ctx context.Context, rec *Saga, step Step, evType EventType, status EventStatus, durationMS int64, errMsg string) {
	event := Event{
		SagaID: rec.SagaID, TraceID: rec.TraceID, StepName: step.StepID,
		EventType: evType, Status: status, DurationMS: durationMS,
		Payload: step.Payload, Error: errMsg, IdempotencyKey: step.IdempotencyKey,
	}
	if err := o.store.AppendEvent(ctx, event); err != nil && o.logger != nil {
		o.logger.LogSagaTransition(ctx, rec.SagaID, string(rec.Status), string(status), err)
	}

	if o.metrics != nil {
		outcome := "success"
		if status == EventFail {
			outcome = "error"
		}
		o.metrics.RecordSagaStep(o.service, step.StepID, outcome, time.Duration(durationMS)*time.Millisecond)
		if evType == EventTypeCompensation {
			o.metrics.RecordCompensation(o.service, step.StepID, outcome)
		}
	}

	caseID := ""
	if v, ok := step.Payload["case_id"]; ok {
		caseID, _ = v.(string)
	}
	documentID := ""
	if v, ok := step.Payload["document_id"]; ok {
		documentID, _ = v.(string)
	}

	_ = o.store.WriteAudit(ctx, AuditEntry{
		SagaID: rec.SagaID, SagaName: rec.Name, TraceID: rec.TraceID,
		CaseID: caseID, DocumentID: documentID, StepName: step.StepID,
		EventType: evType, Status: status, DurationMS: durationMS,
		Details: map[string]any{"backend": string(step.Backend), "operation": string(step.Operation), "error": errMsg},
		Actor: "orchestrator",
	})
}

func (o *Orchestrator) logDeadline(ctx context.Context, rec *Saga) {
	if o.logger == nil {
		return
	}
	o.logger.LogSagaTransition(ctx, rec.SagaID, string(rec.Status), string(StatusCompensating), fmt.Errorf("deadline of %s exceeded", o.deadline))
}

// FormatStepNames joins executed step IDs for logging.
func FormatStepNames(steps []string) string {
	return strings.Join(steps, ", ")
}
