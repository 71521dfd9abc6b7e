// Package relational implements a generic, SQL-dialect-portable
// RelationalAdapter (C1) backed by the connection pool (C3). It is the one
// concrete backend adapter this module ships, so the SAGA orchestrator and
// CRUD façade have a real store to exercise end-to-end; every other
// backend kind is supplied by the caller via manager.Factory.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
	"github.com/R3E-Network/polyglot-coordinator/internal/pool"
)

// Dialect mirrors saga.Dialect, kept separate so this package has no
// dependency on internal/saga.
type Dialect string

const (
	DialectPostgres Dialect = "postgresql"
	DialectSQLite   Dialect = "sqlite"
)

// Adapter implements backend.RelationalAdapter over a pool.Pool, issuing
// dynamic SQL built from table/record/filter maps.
type Adapter struct {
	pool    *pool.Pool
	dialect Dialect
}

// New constructs an Adapter. The pool's Connector must already be
// configured for the target dialect (see pool.New).
func New(p *pool.Pool, dialect Dialect) *Adapter {
	return &Adapter{pool: p, dialect: dialect}
}

func (a *Adapter) Kind() backend.Kind { return backend.KindRelational }

func (a *Adapter) Connect(ctx context.Context) error    { return a.pool.Connect(ctx) }
func (a *Adapter) Disconnect(ctx context.Context) error { return a.pool.Disconnect(ctx) }
func (a *Adapter) IsAvailable() bool { return a.pool.IsStarted() }

func (a *Adapter) GetStats() backend.Stats {
	s := a.pool.Stats()
	return backend.Stats{
		OperationsTotal: s.ReusedTotal + s.CreatedTotal,
		ErrorsTotal:     s.ErrorsTotal,
		Extra: map[string]any{
			"active": s.Active, "idle": s.Idle, "total": s.Total,
		},
	}
}

func (a *Adapter) bindPlaceholder(n int) string {
	if a.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (a *Adapter) withConn(ctx context.Context, fn func(*sql.Conn) error) backend.Result {
	lease, err := a.pool.Lease(ctx)
	if err != nil {
		return errorResult(backend.ErrClassConnectionLost, err)
	}
	defer lease.Release()

	if err := fn(lease.Conn()); err != nil {
		return errorResult(classify(err), err)
	}
	return backend.Result{Success: true}
}

func errorResult(class backend.ErrorClass, err error) backend.Result {
	return backend.Result{Success: false, Error: backend.NewAdapterError(class, err.Error(), err).Error()}
}

func classify(err error) backend.ErrorClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") || strings.Contains(msg, "constraint"):
		return backend.ErrClassConstraintViolation
	case strings.Contains(msg, "deadlock"):
		return backend.ErrClassDeadlock
	case strings.Contains(msg, "timeout"):
		return backend.ErrClassTimeout
	case strings.Contains(msg, "syntax"):
		return backend.ErrClassSyntaxOrUsage
	default:
		return backend.ErrClassConnectionLost
	}
}

// CreateTable issues a best-effort CREATE TABLE IF NOT EXISTS from a
// column-name-to-SQL-type map. Column order is not guaranteed (Go map
// iteration), which is fine for DDL.
func (a *Adapter) CreateTable(ctx context.Context, name string, schema map[string]string) backend.Result {
	cols := make([]string, 0, len(schema)+1)
	cols = append(cols, "id TEXT PRIMARY KEY")
	for col, sqlType := range schema {
		if col == "id" {
			continue
		}
		cols = append(cols, fmt.Sprintf("%s %s", col, sqlType))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(cols, ", "))

	return a.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, stmt)
		return err
	})
}

// Insert builds an INSERT ... VALUES (...) from record's keys, in a
// deterministic column order so repeated inserts of differently-keyed
// maps against the same table don't silently reorder columns.
func (a *Adapter) Insert(ctx context.Context, table string, record map[string]any) backend.Result {
	cols, args := sortedColumns(record)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = a.bindPlaceholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	result := a.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, stmt, args...)
		return err
	})
	if result.Success {
		result.Data = record
	}
	return result
}

// Update builds an UPDATE ... SET ... WHERE id = ?.
func (a *Adapter) Update(ctx context.Context, table, id string, fields map[string]any) backend.Result {
	cols, args := sortedColumns(fields)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, a.bindPlaceholder(i+1))
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", table, strings.Join(sets, ", "), a.bindPlaceholder(len(cols)+1))

	return a.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, stmt, args...)
		return err
	})
}

// Select builds a SELECT * FROM table WHERE <filter equalities> [ORDER BY]
// [LIMIT], returning matching rows under Data["rows"].
func (a *Adapter) Select(ctx context.Context, table string, filter map[string]any, order string, limit int) backend.Result {
	cols, args := sortedColumns(filter)
	var where string
	if len(cols) > 0 {
		clauses := make([]string, len(cols))
		for i, c := range cols {
			clauses[i] = fmt.Sprintf("%s = %s", c, a.bindPlaceholder(i+1))
		}
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt := fmt.Sprintf("SELECT * FROM %s%s", table, where)
	if order != "" {
		stmt += " ORDER BY " + order
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []map[string]any
	result := a.withConn(ctx, func(conn *sql.Conn) error {
		r, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer r.Close()
		rows, err = scanRows(r)
		return err
	})
	if result.Success {
		result.Data = map[string]any{"rows": rows}
	}
	return result
}

// Delete builds a DELETE FROM table WHERE <filter equalities>.
func (a *Adapter) Delete(ctx context.Context, table string, filter map[string]any) backend.Result {
	cols, args := sortedColumns(filter)
	if len(cols) == 0 {
		return errorResult(backend.ErrClassSyntaxOrUsage, fmt.Errorf("delete from %s refused: empty filter would delete every row", table))
	}
	clauses := make([]string, len(cols))
	for i, c := range cols {
		clauses[i] = fmt.Sprintf("%s = %s", c, a.bindPlaceholder(i+1))
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(clauses, " AND "))

	return a.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, stmt, args...)
		return err
	})
}

// ExecuteQuery runs a caller-supplied parameterized SQL statement,
// returning rows when the statement produces any.
func (a *Adapter) ExecuteQuery(ctx context.Context, sqlText string, params []any) backend.Result {
	trimmed := strings.TrimSpace(strings.ToUpper(sqlText))
	isQuery := strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")

	var rows []map[string]any
	result := a.withConn(ctx, func(conn *sql.Conn) error {
		if !isQuery {
			_, err := conn.ExecContext(ctx, sqlText, params...)
			return err
		}
		r, err := conn.QueryContext(ctx, sqlText, params...)
		if err != nil {
			return err
		}
		defer r.Close()
		rows, err = scanRows(r)
		return err
	})
	if result.Success && isQuery {
		result.Data = map[string]any{"rows": rows}
	}
	return result
}

func sortedColumns(m map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(m))
	for k := range m {
		cols = append(cols, k)
	}
	// Deterministic order without importing sort's generic overhead for a
	// handful of columns.
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j-1] > cols[j]; j-- {
			cols[j-1], cols[j] = cols[j], cols[j-1]
		}
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = m[c]
	}
	return cols, args
}

func scanRows(r *sql.Rows) ([]map[string]any, error) {
	columns, err := r.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for r.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := r.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeScanned(values[i])
		}
		out = append(out, row)
	}
	return out, r.Err()
}

func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Probe implements backend.Prober for the relational backend: it leases a
// connection and runs the pool's validation query. deadline <= 0 uses a
// 5s deadline, the same default as discovery.DefaultProbeDeadline.
func (a *Adapter) Probe(ctx context.Context, deadline time.Duration) backend.ProbeResult {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	lease, err := a.pool.Lease(probeCtx)
	if err != nil {
		return backend.ProbeResult{Reachable: false, Latency: time.Since(start), Details: map[string]any{"error": err.Error()}}
	}
	defer lease.Release()

	return backend.ProbeResult{Reachable: true, Latency: time.Since(start)}
}

var _ backend.Prober = (*Adapter)(nil)
var _ backend.RelationalAdapter = (*Adapter)(nil)
