package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/pkg/models"
)

// textProvider always answers with a fixed chunk of text and no tool calls.
type textProvider struct {
	text string
}

func (p *textProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Text: p.text, Done: true}
	close(ch)
	return ch, nil
}
func (p *textProvider) Name() string         { return "text-stub" }
func (p *textProvider) Models() []Model      { return nil }
func (p *textProvider) SupportsTools() bool  { return true }

// toolCallProvider answers with one tool call on its first invocation and a
// plain text reply on every subsequent one, letting tests exercise the
// Tool-Call Executor and the re-entrant Chat Driver turn together.
type toolCallProvider struct {
	wire  string
	calls int
}

func (p *toolCallProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, 1)
	p.calls++
	if p.calls == 1 {
		ch <- &CompletionChunk{
			Done: true,
			ToolCall: &models.MCPToolCall{
				ID:             "call-1",
				ToolName:       p.wire,
				ParametersJSON: json.RawMessage(`{}`),
			},
		}
	} else {
		ch <- &CompletionChunk{Text: "done", Done: true}
	}
	close(ch)
	return ch, nil
}
func (p *toolCallProvider) Name() string        { return "tool-stub" }
func (p *toolCallProvider) Models() []Model     { return nil }
func (p *toolCallProvider) SupportsTools() bool { return true }

type echoTool struct{ called int }

func (t *echoTool) Name() string            { return "echo" }
func (t *echoTool) Description() string     { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.called++
	return &ToolResult{Content: "echoed"}, nil
}

func newTestStore() storage.StoreSet {
	return storage.NewMemoryStoreSet()
}

func drain(t *testing.T, ch <-chan *ResponseChunk) {
	t.Helper()
	for c := range ch {
		if c.Error != nil {
			t.Fatalf("unexpected chunk error: %v", c.Error)
		}
	}
}

func TestProcess_PersistsIncomingAndAssistantMessages(t *testing.T) {
	store := newTestStore()
	rt := NewRuntime(&textProvider{text: "hello there"}, store)

	conv := &models.Conversation{ID: "conv-1", DisplayName: "test"}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "hi"}

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(t, ch)

	history, err := store.Messages.ListBy(context.Background(), storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("ListBy: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages (user + assistant), got %d", len(history))
	}

	var sawUser, sawAssistant bool
	for _, m := range history {
		switch m.Kind {
		case models.MessageKindUser:
			sawUser = true
		case models.MessageKindResponse:
			sawAssistant = true
			if m.Content != "hello there" {
				t.Errorf("assistant content = %q, want %q", m.Content, "hello there")
			}
			if m.FinishAt == nil {
				t.Errorf("assistant message should be finalized with FinishAt set")
			}
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("expected both a user and an assistant message, got %+v", history)
	}
}

func TestProcess_AutoRunToolCallDispatchesAndRecurses(t *testing.T) {
	store := newTestStore()
	wire := models.WireName("srv", "echo")
	provider := &toolCallProvider{wire: wire}
	rt := NewRuntime(provider, store)

	tool := &echoTool{}
	rt.RegisterTool(tool)

	allTrue := true
	asst := &models.Assistant{ID: "asst-1", Name: "auto", AllToolAutoRun: &allTrue}
	if err := store.Assistants.Create(context.Background(), asst); err != nil {
		t.Fatalf("create assistant: %v", err)
	}

	conv := &models.Conversation{ID: "conv-2", AssistantID: asst.ID}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "use the tool"}

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(t, ch)

	if provider.calls < 2 {
		t.Fatalf("expected the Chat Driver to re-enter after tool dispatch, got %d provider calls", provider.calls)
	}

	calls, err := store.MCPCalls.ListBy(context.Background(), storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("ListBy MCPCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 persisted tool call, got %d", len(calls))
	}
	if calls[0].Status != models.MCPToolCallSuccess {
		t.Fatalf("tool call status = %v, want success", calls[0].Status)
	}

	history, err := store.Messages.ListBy(context.Background(), storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("ListBy Messages: %v", err)
	}
	var sawToolResult bool
	for _, m := range history {
		if m.Kind == models.MessageKindToolResult {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a tool_result message in history, got %+v", history)
	}
}

func TestProcess_NonAutoRunToolCallWaitsForConfirmation(t *testing.T) {
	store := newTestStore()
	wire := models.WireName("srv", "echo")
	provider := &toolCallProvider{wire: wire}
	rt := NewRuntime(provider, store)
	rt.RegisterTool(&echoTool{})

	conv := &models.Conversation{ID: "conv-3"}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "use the tool"}

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(t, ch)

	if provider.calls != 1 {
		t.Fatalf("expected exactly 1 provider call before waiting on confirmation, got %d", provider.calls)
	}

	calls, err := store.MCPCalls.ListBy(context.Background(), storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("ListBy MCPCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != models.MCPToolCallPending {
		t.Fatalf("expected one pending tool call awaiting confirmation, got %+v", calls)
	}
}

func TestProcess_MaxIterationsReturnsLoopError(t *testing.T) {
	store := newTestStore()
	wire := models.WireName("srv", "echo")
	provider := &alwaysToolCallProvider{wire: wire}
	rt := NewRuntime(provider, store)
	rt.RegisterTool(&echoTool{})
	rt.SetMaxIterations(1)

	allTrue := true
	asst := &models.Assistant{ID: "asst-2", AllToolAutoRun: &allTrue}
	if err := store.Assistants.Create(context.Background(), asst); err != nil {
		t.Fatalf("create assistant: %v", err)
	}
	conv := &models.Conversation{ID: "conv-4", AssistantID: asst.ID}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "loop forever"}

	errSink := make(chan error, 1)
	rt.Use(errorCapturePlugin{errSink})

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for range ch {
	}

	select {
	case runErr := <-errSink:
		var loopErr *LoopError
		if runErr == nil {
			t.Fatalf("expected a LoopError, got nil")
		}
		if le, ok := runErr.(*LoopError); ok {
			loopErr = le
		}
		if loopErr == nil {
			t.Fatalf("expected a *LoopError, got %T: %v", runErr, runErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for run.error event")
	}
}

// alwaysToolCallProvider always requests the same tool call, forcing the
// Chat Driver to keep recursing until maxIterations is hit.
type alwaysToolCallProvider struct{ wire string }

func (p *alwaysToolCallProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{
		Done: true,
		ToolCall: &models.MCPToolCall{
			ID:             "call-loop",
			ToolName:       p.wire,
			ParametersJSON: json.RawMessage(`{}`),
		},
	}
	close(ch)
	return ch, nil
}
func (p *alwaysToolCallProvider) Name() string        { return "loop-stub" }
func (p *alwaysToolCallProvider) Models() []Model     { return nil }
func (p *alwaysToolCallProvider) SupportsTools() bool { return true }

// errorCapturePlugin observes AgentEvents and forwards run.error payloads.
type errorCapturePlugin struct{ sink chan error }

func (p errorCapturePlugin) OnEvent(ctx context.Context, e models.AgentEvent) {
	if e.Type == models.AgentEventRunError && e.Error != nil && e.Error.Err != nil {
		select {
		case p.sink <- e.Error.Err:
		default:
		}
	}
}

func TestCancelConversation_RemovesPendingAndMarksExecutingCancelled(t *testing.T) {
	store := newTestStore()
	rt := NewRuntime(&textProvider{text: "irrelevant"}, store)

	pending := &models.MCPToolCall{ID: "p1", ConversationID: "conv-5", ToolName: "echo", Status: models.MCPToolCallPending, CreatedAt: time.Now()}
	executing := &models.MCPToolCall{ID: "e1", ConversationID: "conv-5", ToolName: "echo", Status: models.MCPToolCallExecuting, CreatedAt: time.Now()}
	if err := store.MCPCalls.Create(context.Background(), pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if err := store.MCPCalls.Create(context.Background(), executing); err != nil {
		t.Fatalf("create executing: %v", err)
	}

	if err := rt.CancelConversation(context.Background(), "conv-5"); err != nil {
		t.Fatalf("CancelConversation: %v", err)
	}

	if _, err := store.MCPCalls.Get(context.Background(), "p1"); err == nil {
		t.Fatalf("expected pending call to be deleted")
	}
	got, err := store.MCPCalls.Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Get executing: %v", err)
	}
	if got.Status != models.MCPToolCallCancelled {
		t.Fatalf("executing call status = %v, want cancelled", got.Status)
	}
}
