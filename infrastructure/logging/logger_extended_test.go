package logging

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

func TestNewFromEnv(t *testing.T) {
	savedLevel := os.Getenv("LOG_LEVEL")
	savedFormat := os.Getenv("LOG_FORMAT")
	defer func() {
		if savedLevel != "" {
			os.Setenv("LOG_LEVEL", savedLevel)
		} else {
			os.Unsetenv("LOG_LEVEL")
		}
		if savedFormat != "" {
			os.Setenv("LOG_FORMAT", savedFormat)
		} else {
			os.Unsetenv("LOG_FORMAT")
		}
	}()

	t.Run("defaults when env not set", func(t *testing.T) {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("LOG_FORMAT")

		logger := NewFromEnv("test-service")
		if logger == nil {
			t.Fatal("NewFromEnv() returned nil")
		}
	})

	t.Run("custom level and format", func(t *testing.T) {
		os.Setenv("LOG_LEVEL", "debug")
		os.Setenv("LOG_FORMAT", "text")

		logger := NewFromEnv("test-service")
		if logger == nil {
			t.Fatal("NewFromEnv() returned nil")
		}
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		os.Setenv("LOG_LEVEL", "  warn  ")
		os.Setenv("LOG_FORMAT", "  json  ")

		logger := NewFromEnv("test-service")
		if logger == nil {
			t.Fatal("NewFromEnv() returned nil")
		}
	})
}

func TestLogBackendProbeExtended(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-service", "debug", "json")
	logger.SetOutput(&buf)

	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		buf.Reset()
		logger.LogBackendProbe(ctx, "document", "connect", true, 0, nil)
		output := buf.String()
		if !strings.Contains(output, "document") {
			t.Error("output should contain backend kind")
		}
	})

	t.Run("failure", func(t *testing.T) {
		buf.Reset()
		logger.LogBackendProbe(ctx, "graph", "connect", false, 0, nil)
		output := buf.String()
		if !strings.Contains(output, "graph") {
			t.Error("output should contain backend kind")
		}
	})
}

func TestLogPerformance(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-service", "info", "json")
	logger.SetOutput(&buf)

	logger.LogPerformance(context.Background(), "recovery_sweep", map[string]interface{}{
		"scanned": 12,
		"resumed": 10,
	})

	output := buf.String()
	if !strings.Contains(output, "recovery_sweep") {
		t.Error("output should contain operation name")
	}
	if !strings.Contains(output, "performance") {
		t.Error("output should contain performance type")
	}
}

func TestLogAuditExtended(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-service", "info", "json")
	logger.SetOutput(&buf)

	logger.LogAudit(context.Background(), "delete", "document", "asset-1", "success")

	output := buf.String()
	if !strings.Contains(output, "asset-1") {
		t.Error("output should contain resource ID")
	}
	if !strings.Contains(output, "audit") {
		t.Error("output should mark the entry as an audit log")
	}
}

func TestLoggerWithContextTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test-service", "info", "json")
	logger.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.WithContext(ctx).Info("test message")

	output := buf.String()
	if !strings.Contains(output, "trace-123") {
		t.Error("output should contain trace ID")
	}
}
