package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyCallErrorServerRejected(t *testing.T) {
	err := fmt.Errorf("MCP error %d: %s", ErrCodeToolNotFound, "no such tool")
	ce := ClassifyCallError(context.Background(), "srv1", "tools/call", err)
	if ce.Kind != ServerRejected {
		t.Errorf("Kind = %v, want ServerRejected", ce.Kind)
	}
}

func TestClassifyCallErrorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ce := ClassifyCallError(ctx, "srv1", "tools/call", errors.New("context canceled"))
	if ce.Kind != Cancelled {
		t.Errorf("Kind = %v, want Cancelled", ce.Kind)
	}
}

func TestClassifyCallErrorTimeout(t *testing.T) {
	ce := ClassifyCallError(context.Background(), "srv1", "tools/call", errors.New("request timeout after 30s"))
	if ce.Kind != Timeout {
		t.Errorf("Kind = %v, want Timeout", ce.Kind)
	}
}

func TestClassifyCallErrorTransportFailed(t *testing.T) {
	ce := ClassifyCallError(context.Background(), "srv1", "tools/call", errors.New("connection refused"))
	if ce.Kind != TransportFailed {
		t.Errorf("Kind = %v, want TransportFailed", ce.Kind)
	}
}

func TestClassifyCallErrorPassesThroughExisting(t *testing.T) {
	original := ClassifyCallError(context.Background(), "srv1", "tools/call", errors.New("connection refused"))
	wrapped := fmt.Errorf("dispatch: %w", original)
	got := ClassifyCallError(context.Background(), "srv1", "tools/call", wrapped)
	if got != original {
		t.Errorf("expected the existing *CallError to be reused, got a new one: %+v", got)
	}
}

func TestCallErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	ce := &CallError{Kind: TransportFailed, ServerID: "s1", Method: "tools/call", Err: inner}
	if !errors.Is(ce, inner) {
		t.Error("expected errors.Is to see through Unwrap to the inner error")
	}
}
