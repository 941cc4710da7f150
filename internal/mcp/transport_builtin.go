package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// BuiltinProvider is an in-process tool/resource/prompt host registered
// under a name a ServerConfig.BuiltinProvider can reference. Builtin
// servers skip the process-or-socket hop entirely: Call is a direct
// function invocation against the provider, still going through the same
// JSON-RPC method names as the other transports so the rest of the
// registry (discovery, the bridge, the executor) can't tell the
// difference.
type BuiltinProvider interface {
	Initialize(ctx context.Context) (*InitializeResult, error)
	ListTools(ctx context.Context) (*ListToolsResult, error)
	CallTool(ctx context.Context, params CallToolParams) (*ToolCallResult, error)
	ListResources(ctx context.Context) (*ListResourcesResult, error)
	ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error)
	ListPrompts(ctx context.Context) (*ListPromptsResult, error)
	GetPrompt(ctx context.Context, name string, arguments map[string]string) (*GetPromptResult, error)
}

var (
	builtinProvidersMu sync.RWMutex
	builtinProviders   = map[string]BuiltinProvider{}
)

// RegisterBuiltinProvider makes a BuiltinProvider available to ServerConfigs
// with a matching BuiltinProvider name. Call during process init, before
// any Manager.Start.
func RegisterBuiltinProvider(name string, p BuiltinProvider) {
	builtinProvidersMu.Lock()
	defer builtinProvidersMu.Unlock()
	builtinProviders[name] = p
}

func lookupBuiltinProvider(name string) (BuiltinProvider, bool) {
	builtinProvidersMu.RLock()
	defer builtinProvidersMu.RUnlock()
	p, ok := builtinProviders[name]
	return p, ok
}

// BuiltinTransport dispatches JSON-RPC method names directly to a
// registered BuiltinProvider without leaving the process.
type BuiltinTransport struct {
	config    *ServerConfig
	provider  BuiltinProvider
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	connected bool
	mu        sync.Mutex
}

// NewBuiltinTransport creates a new builtin transport.
func NewBuiltinTransport(cfg *ServerConfig) *BuiltinTransport {
	return &BuiltinTransport{
		config:   cfg,
		events:   make(chan *JSONRPCNotification),
		requests: make(chan *JSONRPCRequest),
	}
}

func (t *BuiltinTransport) Connect(ctx context.Context) error {
	p, ok := lookupBuiltinProvider(t.config.BuiltinProvider)
	if !ok {
		return fmt.Errorf("no builtin provider registered as %q", t.config.BuiltinProvider)
	}
	if _, err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("builtin initialize: %w", err)
	}
	t.mu.Lock()
	t.provider = p
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *BuiltinTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *BuiltinTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	p := t.provider
	connected := t.connected
	t.mu.Unlock()
	if !connected || p == nil {
		return nil, fmt.Errorf("not connected")
	}

	switch method {
	case "initialize":
		result, err := p.Initialize(ctx)
		return marshalOrErr(result, err)
	case "tools/list":
		result, err := p.ListTools(ctx)
		return marshalOrErr(result, err)
	case "tools/call":
		callParams, err := decodeCallToolParams(params)
		if err != nil {
			return nil, err
		}
		result, err := p.CallTool(ctx, callParams)
		return marshalOrErr(result, err)
	case "resources/list":
		result, err := p.ListResources(ctx)
		return marshalOrErr(result, err)
	case "resources/read":
		uri, _ := paramString(params, "uri")
		result, err := p.ReadResource(ctx, uri)
		return marshalOrErr(result, err)
	case "prompts/list":
		result, err := p.ListPrompts(ctx)
		return marshalOrErr(result, err)
	case "prompts/get":
		name, _ := paramString(params, "name")
		args, _ := paramStringMap(params, "arguments")
		result, err := p.GetPrompt(ctx, name, args)
		return marshalOrErr(result, err)
	default:
		return nil, fmt.Errorf("builtin transport: unsupported method %q", method)
	}
}

func (t *BuiltinTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}

func (t *BuiltinTransport) Events() <-chan *JSONRPCNotification { return t.events }
func (t *BuiltinTransport) Requests() <-chan *JSONRPCRequest    { return t.requests }

func (t *BuiltinTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	return fmt.Errorf("builtin transport does not accept server-initiated requests")
}

func (t *BuiltinTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func marshalOrErr(v any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	data, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return nil, marshalErr
	}
	return data, nil
}

func decodeCallToolParams(params any) (CallToolParams, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return CallToolParams{}, fmt.Errorf("marshal call params: %w", err)
	}
	var p CallToolParams
	if err := json.Unmarshal(data, &p); err != nil {
		return CallToolParams{}, fmt.Errorf("decode call params: %w", err)
	}
	return p, nil
}

func paramString(params any, key string) (string, bool) {
	m, ok := params.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func paramStringMap(params any, key string) (map[string]string, bool) {
	m, ok := params.(map[string]any)
	if !ok {
		return nil, false
	}
	raw, ok := m[key].(map[string]string)
	if ok {
		return raw, true
	}
	rawAny, ok := m[key].(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(rawAny))
	for k, v := range rawAny {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, true
}
