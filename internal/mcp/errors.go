package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// CallErrorKind classifies why a tool/resource/prompt call to an MCP server
// failed, so callers (the Tool-Call Executor) can decide whether to retry,
// surface the raw server message, or treat the call as definitively dead.
type CallErrorKind string

const (
	// TransportFailed means the request never reached the server, or its
	// response never came back intact: a dead process, a closed socket, a
	// connection refused. Safe to retry against a fresh connection.
	TransportFailed CallErrorKind = "transport_failed"

	// Timeout means the server accepted the request but didn't answer
	// within the configured deadline. The server may still be working on
	// it; retrying risks duplicate side effects.
	Timeout CallErrorKind = "timeout"

	// ServerRejected means the server replied with a JSON-RPC error: the
	// request was well-formed and delivered, but the server refused or
	// failed to execute it. Not safe to blindly retry without inspecting
	// the error.
	ServerRejected CallErrorKind = "server_rejected"

	// Cancelled means the caller's context was cancelled before a result
	// arrived (invariant: cancellation must be cooperative, not a dropped
	// goroutine).
	Cancelled CallErrorKind = "cancelled"
)

// CallError wraps a transport or protocol failure with its CallErrorKind so
// the executor can branch on it with errors.As instead of string matching.
type CallError struct {
	Kind     CallErrorKind
	ServerID string
	Method   string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("mcp call %s/%s: %s: %v", e.ServerID, e.Method, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func newCallError(kind CallErrorKind, serverID, method string, err error) *CallError {
	return &CallError{Kind: kind, ServerID: serverID, Method: method, Err: err}
}

// ClassifyCallError inspects a raw error returned by a Transport and wraps
// it as a CallError, inferring the kind from context.Err and the JSON-RPC
// error payload already folded into the error string by the transports.
func ClassifyCallError(ctx ctxErrChecker, serverID, method string, err error) *CallError {
	if err == nil {
		return nil
	}
	var existing *CallError
	if errors.As(err, &existing) {
		return existing
	}
	if ctx != nil && ctx.Err() != nil {
		return newCallError(Cancelled, serverID, method, err)
	}
	// The stdio/HTTP/SSE transports fold a JSON-RPC error reply into a
	// plain "MCP error <code>: <message>" string rather than a typed
	// value, so detection here is by prefix rather than errors.As.
	if strings.HasPrefix(err.Error(), "MCP error ") {
		return newCallError(ServerRejected, serverID, method, err)
	}
	if strings.Contains(err.Error(), "request timeout") || isTimeoutError(err) {
		return newCallError(Timeout, serverID, method, err)
	}
	return newCallError(TransportFailed, serverID, method, err)
}

// ctxErrChecker is the subset of context.Context ClassifyCallError needs;
// accepting the narrower interface keeps this file free of a context import
// cycle concern and makes the nil-context call sites in tests trivial.
type ctxErrChecker interface {
	Err() error
}

func isTimeoutError(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
