package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SSETransport implements the legacy two-endpoint MCP "HTTP+SSE" transport:
// the client opens a long-lived GET stream for server push, and the server
// announces a separate POST endpoint (via an "endpoint" SSE event) for the
// client to send requests to. This differs from TransportHTTP, which POSTs
// to a single streamable-HTTP endpoint and gets its JSON-RPC response back
// on the same request.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	postURL   string
	endpoints chan string

	pending   map[string]chan *JSONRPCResponse
	pendingMu sync.Mutex

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SSETransport{
		config:    cfg,
		logger:    slog.Default().With("mcp_server", cfg.ID, "transport", "sse"),
		client:    &http.Client{Timeout: timeout},
		endpoints: make(chan string, 1),
		pending:   make(map[string]chan *JSONRPCResponse),
		events:    make(chan *JSONRPCNotification, 100),
		requests:  make(chan *JSONRPCRequest, 16),
		stopChan:  make(chan struct{}),
	}
}

// Connect opens the SSE stream and waits for the server to announce its
// POST endpoint.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.wg.Add(1)
	go t.sseLoop(ctx)

	select {
	case url := <-t.endpoints:
		t.postURL = url
	case <-time.After(t.config.Timeout + 5*time.Second):
		return fmt.Errorf("timed out waiting for SSE endpoint event")
	case <-ctx.Done():
		return ctx.Err()
	}

	t.connected.Store(true)
	return nil
}

func (t *SSETransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

func (t *SSETransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	req, err := http.NewRequestWithContext(ctx, "GET", t.config.URL, nil)
	if err != nil {
		t.logger.Error("failed to build SSE request", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Error("SSE connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Error("SSE returned non-200", "status", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			t.handleSSEData(eventName, strings.TrimPrefix(line, "data: "))
			eventName = ""
		case line == "":
			eventName = ""
		}
	}
}

func (t *SSETransport) handleSSEData(eventName, data string) {
	if eventName == "endpoint" {
		select {
		case t.endpoints <- data:
		default:
		}
		return
	}

	var envelope struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *JSONRPCError   `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return
	}

	if envelope.ID != nil && envelope.Method != "" {
		select {
		case t.requests <- &JSONRPCRequest{JSONRPC: "2.0", ID: envelope.ID, Method: envelope.Method, Params: envelope.Params}:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return
	}

	if envelope.ID != nil {
		key := fmt.Sprintf("%v", envelope.ID)
		t.pendingMu.Lock()
		if ch, ok := t.pending[key]; ok {
			select {
			case ch <- &JSONRPCResponse{JSONRPC: "2.0", ID: envelope.ID, Result: envelope.Result, Error: envelope.Error}:
			default:
			}
			delete(t.pending, key)
		}
		t.pendingMu.Unlock()
		return
	}

	if envelope.Method != "" {
		select {
		case t.events <- &JSONRPCNotification{JSONRPC: "2.0", Method: envelope.Method, Params: envelope.Params}:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

// Call posts a request to the server-announced endpoint and waits for its
// answer to arrive asynchronously on the SSE stream.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

func (t *SSETransport) post(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.postURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse post endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return t.post(ctx, notif)
}

func (t *SSETransport) Events() <-chan *JSONRPCNotification { return t.events }
func (t *SSETransport) Requests() <-chan *JSONRPCRequest    { return t.requests }

func (t *SSETransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	return t.post(ctx, resp)
}

func (t *SSETransport) Connected() bool { return t.connected.Load() }
