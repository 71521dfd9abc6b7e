package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects the SQL syntax variant the store speaks. Postgres gets
// real advisory locks (§4.7's "advisory lock" requirement); sqlite gets the
// in-process mutex fallback, since modernc.org/sqlite has no equivalent
// primitive.
type Dialect string

const (
	DialectPostgres Dialect = "postgresql"
	DialectSQLite   Dialect = "sqlite"
)

// Store is the relational-backed persistence layer for sagas, saga_events,
// and audit_log, grounded on pkg/storage/postgres's BaseStore/Querier/
// tx-in-context pattern but generalized to run against either dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore constructs a Store. db must already be open and pingable.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Dialect reports which SQL variant this store speaks.
func (s *Store) Dialect() Dialect { return s.dialect }

// placeholder returns the positional parameter marker for this dialect:
// Postgres wants $1, $2, ...; sqlite (and most others) accept plain ?.
func (s *Store) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 1
	for _, r := range query {
		if r == '?' {
			b.WriteString(fmt.Sprintf("$%d", n))
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnsureSchema creates the sagas, saga_events, and audit_log tables and
// their indexes if they do not already exist. Idempotent and additive only,
// per spec.md §6's persisted schema table. A table that already exists is
// left as it is: columns missing from it are not added.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	} else {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure saga schema: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		context_json JSONB NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas (status)`,
	`CREATE TABLE IF NOT EXISTS saga_events (
		event_id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL REFERENCES sagas(saga_id),
		trace_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		payload_json JSONB,
		error TEXT,
		idempotency_key TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_events_saga_id ON saga_events (saga_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_events_idempotency ON saga_events (saga_id, step_name, idempotency_key) WHERE idempotency_key <> '' AND status = 'SUCCESS'`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		saga_name TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		case_id TEXT,
		document_id TEXT,
		step_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		details_json JSONB,
		actor TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_saga_id ON audit_log (saga_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_case_id ON audit_log (case_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		context_json TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas (status)`,
	`CREATE TABLE IF NOT EXISTS saga_events (
		event_id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT,
		error TEXT,
		idempotency_key TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_events_saga_id ON saga_events (saga_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_events_idempotency ON saga_events (saga_id, step_name, idempotency_key) WHERE idempotency_key <> '' AND status = 'SUCCESS'`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		saga_name TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		case_id TEXT,
		document_id TEXT,
		step_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		details_json TEXT,
		actor TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_saga_id ON audit_log (saga_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_case_id ON audit_log (case_id)`,
}

// CreateSaga persists a new saga in StatusCreated with its step list as
// context_json.
func (s *Store) CreateSaga(ctx context.Context, name, traceID string, steps []Step) (*Saga, error) {
	sagaID := uuid.NewString()
	ctxPayload, err := Context{Steps: steps}.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal saga context: %w", err)
	}
	now := time.Now().UTC()

	query := s.rebind(`INSERT INTO sagas (saga_id, name, trace_id, status, context_json, current_step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, sagaID, name, traceID, string(StatusCreated), string(ctxPayload), 0, now, now); err != nil {
		return nil, fmt.Errorf("insert saga: %w", err)
	}

	return &Saga{
		SagaID: sagaID, Name: name, TraceID: traceID, Status: StatusCreated,
		Context: Context{Steps: steps}, CurrentStep: 0, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetSaga loads a saga by ID.
func (s *Store) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	query := s.rebind(`SELECT saga_id, name, trace_id, status, context_json, current_step, created_at, updated_at FROM sagas WHERE saga_id = ?`)
	row := s.db.QueryRowContext(ctx, query, sagaID)

	var saga Saga
	var statusRaw, rawCtx string
	if err := row.Scan(&saga.SagaID, &saga.Name, &saga.TraceID, &statusRaw, &rawCtx, &saga.CurrentStep, &saga.CreatedAt, &saga.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("saga %s not found", sagaID)
		}
		return nil, fmt.Errorf("get saga: %w", err)
	}
	saga.Status = Status(statusRaw)
	sagaCtx, err := UnmarshalContext([]byte(rawCtx))
	if err != nil {
		return nil, fmt.Errorf("unmarshal saga context: %w", err)
	}
	saga.Context = sagaCtx
	return &saga, nil
}

// UpdateSagaProgress persists status and current_step together.
func (s *Store) UpdateSagaProgress(ctx context.Context, sagaID string, status Status, currentStep int) error {
	query := s.rebind(`UPDATE sagas SET status = ?, current_step = ?, updated_at = ? WHERE saga_id = ?`)
	_, err := s.db.ExecContext(ctx, query, string(status), currentStep, time.Now().UTC(), sagaID)
	if err != nil {
		return fmt.Errorf("update saga progress: %w", err)
	}
	return nil
}

// NonTerminalSagaIDs returns saga IDs whose status is not yet terminal,
// for the recovery worker's scan (§4.8).
func (s *Store) NonTerminalSagaIDs(ctx context.Context, limit int) ([]string, error) {
	terminal := []Status{StatusCompleted, StatusAborted, StatusCompensated, StatusCompensationFailed}
	placeholders := make([]string, len(terminal))
	args := make([]any, 0, len(terminal)+1)
	for i, st := range terminal {
		placeholders[i] = s.placeholder(i + 1)
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`SELECT saga_id FROM sagas WHERE status NOT IN (%s) ORDER BY created_at ASC`, strings.Join(placeholders, ", "))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sagas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendEvent inserts one append-only saga_events row.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`INSERT INTO saga_events (event_id, saga_id, trace_id, step_name, event_type, status, duration_ms, payload_json, error, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, ev.EventID, ev.SagaID, ev.TraceID, ev.StepName, string(ev.EventType), string(ev.Status), ev.DurationMS, string(payload), ev.Error, ev.IdempotencyKey, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append saga event: %w", err)
	}
	return nil
}

// EventsForSaga returns all events for a saga, oldest first.
func (s *Store) EventsForSaga(ctx context.Context, sagaID string) ([]Event, error) {
	query := s.rebind(`SELECT event_id, saga_id, trace_id, step_name, event_type, status, duration_ms, payload_json, error, idempotency_key, created_at
		FROM saga_events WHERE saga_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("list saga events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var eventType, status string
		var payloadRaw, errStr, idemKey sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.SagaID, &ev.TraceID, &ev.StepName, &eventType, &status, &ev.DurationMS, &payloadRaw, &errStr, &idemKey, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan saga event: %w", err)
		}
		ev.EventType = EventType(eventType)
		ev.Status = EventStatus(status)
		ev.Error = errStr.String
		ev.IdempotencyKey = idemKey.String
		if payloadRaw.String != "" {
			_ = json.Unmarshal([]byte(payloadRaw.String), &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// HasSuccessEvent reports whether stepName already has a SUCCESS (or
// SKIPPED) event for this idempotency key, so Execute can skip re-running
// an adapter call it already completed. Per spec.md §9's open question, we
// require an idempotency key and look it up via the indexed column —
// never a LIKE scan of payload_json.
func (s *Store) HasSuccessEvent(ctx context.Context, sagaID, stepName, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	query := s.rebind(`SELECT COUNT(*) FROM saga_events WHERE saga_id = ? AND step_name = ? AND idempotency_key = ? AND status IN (?, ?)`)
	var count int
	err := s.db.QueryRowContext(ctx, query, sagaID, stepName, idempotencyKey, string(EventSuccess), string(EventSkipped)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return count > 0, nil
}

// WriteAudit inserts one append-only audit_log row.
func (s *Store) WriteAudit(ctx context.Context, entry AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`INSERT INTO audit_log (audit_id, saga_id, saga_name, trace_id, case_id, document_id, step_name, event_type, status, duration_ms, details_json, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, entry.AuditID, entry.SagaID, entry.SagaName, entry.TraceID, entry.CaseID, entry.DocumentID, entry.StepName, string(entry.EventType), string(entry.Status), entry.DurationMS, string(details), entry.Actor, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}
