package mcp

import (
	"context"
	"encoding/json"
	"strings"
)

// Transport defines the interface for MCP transports.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the server.
	Events() <-chan *JSONRPCNotification

	// Requests returns a channel for receiving server-initiated requests.
	Requests() <-chan *JSONRPCRequest

	// Respond sends a response to a server-initiated request.
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a new transport based on the server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	case TransportSSE:
		return NewSSETransport(cfg)
	case TransportBuiltin:
		return NewBuiltinTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}

// RedactedHeaders returns a copy of headers safe to pass to a logger: any
// key that looks like a credential (Authorization, API keys, tokens,
// cookies) has its value replaced, everything else passes through so
// operators can still see which headers a server config sends.
func RedactedHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSecretHeader(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretHeader(key string) bool {
	lower := strings.ToLower(key)
	switch lower {
	case "authorization", "cookie", "set-cookie", "proxy-authorization":
		return true
	}
	return strings.Contains(lower, "api-key") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret")
}
