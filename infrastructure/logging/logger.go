// Package logging gives every component (C1-C8) one structured logger:
// a thin *logrus.Logger wrapper that stamps the service name and the
// in-flight trace ID onto every entry, plus a handful of typed helpers
// for the log lines this coordinator actually emits (backend probes,
// saga transitions, audit trail, recovery-sweep performance).
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values this package stores on a context.Context.
type ContextKey string

// TraceIDKey is the context key a trace ID travels under across a single
// façade call, saga execution, or recovery sweep.
const TraceIDKey ContextKey = "trace_id"

// Logger wraps logrus.Logger with the service/trace-ID stamping every
// call site in this module relies on.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger for service at the given logrus level ("debug",
// "info", ...; falls back to info on an unrecognized value) and format
// ("json" or "text"; anything else falls back to text).
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv builds a Logger from the LOG_LEVEL / LOG_FORMAT environment
// variables, defaulting to "info" / "json" when unset. This is what
// pkg/coordinator.CreateManager calls when the caller leaves Config.Logger
// nil.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext starts an entry stamped with the service name and, if
// present, the trace ID carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields starts an entry stamped with the service name plus fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError starts an entry stamped with the service name plus err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// NewTraceID generates a fresh trace ID for a new façade call, saga
// execution, or recovery sweep.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches traceID to ctx so every logger call downstream
// picks it up via WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID reads the trace ID off ctx, or "" if none was attached.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// LogSagaTransition logs a SAGA status or step transition (C7) from one
// state to another, at error level when err is non-nil.
func (l *Logger) LogSagaTransition(ctx context.Context, sagaID, from, to string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"saga_id": sagaID,
		"from":    from,
		"to":      to,
	})

	if err != nil {
		entry.WithError(err).Error("saga transition failed")
	} else {
		entry.Info("saga transition")
	}
}

// LogBackendProbe logs the outcome of a backend connect, disconnect, or
// CRUD dispatch (C4/C6): the façade and the Backend Manager both call
// this so an operator can tail backend health without direct access to
// the relational audit log.
func (l *Logger) LogBackendProbe(ctx context.Context, kind, tactic string, healthy bool, latency time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"backend_kind": kind,
		"tactic":       tactic,
		"healthy":      healthy,
		"latency_ms":   latency.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Warn("backend probe failed")
	} else {
		entry.Debug("backend probe completed")
	}
}

// LogAudit logs one audit-trail entry alongside the row the CRUD façade
// writes to the relational audit_log table, so the trail is visible from
// log aggregation without a relational read. The SAGA orchestrator's
// audit_log rows are written without this log line.
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// LogPerformance logs a named operation's timing/throughput metrics
// (used by the Recovery Worker to report scanned/resumed/failed counts
// and duration per sweep).
func (l *Logger) LogPerformance(ctx context.Context, operation string, metrics map[string]interface{}) {
	fields := logrus.Fields{
		"operation": operation,
		"type":      "performance",
	}
	for k, v := range metrics {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Info("performance metrics")
}

// Debug logs a debug-level message with fields.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(message)
}

// Info logs an info-level message with fields.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warn-level message with fields.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs an error-level message, attaching err when non-nil.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}
