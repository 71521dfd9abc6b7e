package backend

import (
	"errors"
	"testing"
)

func TestKindPrimary(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRelational, true},
		{KindDocument, true},
		{KindVector, true},
		{KindGraph, true},
		{KindFile, false},
		{KindKeyValue, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Primary(); got != tt.want {
			t.Errorf("%s.Primary() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindValid(t *testing.T) {
	if !KindRelational.Valid() {
		t.Error("expected relational to be valid")
	}
	if Kind("bogus").Valid() {
		t.Error("expected bogus kind to be invalid")
	}
}

func TestAdapterErrorRetryable(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrClassConnectionLost, true},
		{ErrClassDeadlock, true},
		{ErrClassTimeout, true},
		{ErrClassConstraintViolation, false},
		{ErrClassSyntaxOrUsage, false},
	}
	for _, tt := range tests {
		err := NewAdapterError(tt.class, "boom", nil)
		if got := err.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestAdapterErrorUnwrapAndMessage(t *testing.T) {
	underlying := errors.New("dial refused")
	err := NewAdapterError(ErrClassConnectionLost, "connect failed", underlying)

	if !errors.Is(err, underlying) {
		t.Error("expected errors.Is to unwrap to underlying")
	}
	if got := err.Error(); got == "" {
		t.Error("expected non-empty error message")
	}
}
