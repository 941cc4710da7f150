package subagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/deskassist/core/internal/agent"
	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/pkg/models"
)

// scriptedProvider answers each successive Complete call with the next
// entry in responses, one response per bounded-loop iteration.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	i := p.calls
	p.calls++
	text := "done"
	if i < len(p.responses) {
		text = p.responses[i]
	}
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: text, Done: true}
	close(ch)
	return ch, nil
}
func (p *scriptedProvider) Name() string          { return "scripted-stub" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return false }

// echoTool echoes its input back as the result, recording every call.
type echoTool struct {
	calls [][]byte
}

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage     { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	t.calls = append(t.calls, params)
	return &agent.ToolResult{Content: string(params)}, nil
}

func toolCallBlock(server, tool, args string) string {
	return "```json\n{\"tool_calls\":[{\"server\":\"" + server + "\",\"tool\":\"" + tool + "\",\"args\":" + args + "}]}\n```"
}

func newTestEngine(t *testing.T, provider agent.LLMProvider) (*SubTaskEngine, storage.StoreSet, *echoTool) {
	t.Helper()
	store := storage.NewMemoryStoreSet()
	rt := agent.NewRuntime(provider, store)
	tool := &echoTool{}
	rt.RegisterTool(tool)
	return NewSubTaskEngine(rt, store.SubTaskExecs), store, tool
}

func TestSubTaskEngine_NoToolCallsAborts(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"just a plain answer, no tools needed"}}
	engine, _, _ := newTestEngine(t, provider)

	def := &models.SubTaskDefinition{ID: "def-1", MaxLoops: 3}
	exec, err := engine.Run(context.Background(), def, "", "do the thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.AbortReason != models.SubTaskAbortNoToolCalls {
		t.Errorf("abort reason = %q, want %q", exec.AbortReason, models.SubTaskAbortNoToolCalls)
	}
	if exec.Status != models.SubTaskExecutionSucceeded {
		t.Errorf("status = %q, want succeeded", exec.Status)
	}
	if exec.ResultContent != "just a plain answer, no tools needed" {
		t.Errorf("result content = %q", exec.ResultContent)
	}
}

func TestSubTaskEngine_DuplicateCallsAborts(t *testing.T) {
	block := toolCallBlock("fs", "echo", `{"msg":"hi"}`)
	provider := &scriptedProvider{responses: []string{block, block, block}}
	engine, _, tool := newTestEngine(t, provider)

	def := &models.SubTaskDefinition{ID: "def-2", MaxLoops: 5}
	exec, err := engine.Run(context.Background(), def, "", "call the same tool twice")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.AbortReason != models.SubTaskAbortDuplicateCalls {
		t.Errorf("abort reason = %q, want %q", exec.AbortReason, models.SubTaskAbortDuplicateCalls)
	}
	if len(tool.calls) != 1 {
		t.Errorf("expected the tool to execute once before the duplicate was caught, got %d calls", len(tool.calls))
	}
	if exec.Loops != 2 {
		t.Errorf("loops = %d, want 2", exec.Loops)
	}
}

func TestSubTaskEngine_MaxLoopsReached(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		toolCallBlock("fs", "echo", `{"n":1}`),
		toolCallBlock("fs", "echo", `{"n":2}`),
	}}
	engine, _, tool := newTestEngine(t, provider)

	def := &models.SubTaskDefinition{ID: "def-3", MaxLoops: 2}
	exec, err := engine.Run(context.Background(), def, "", "keep calling distinct tools")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.AbortReason != models.SubTaskAbortMaxLoopsReached {
		t.Errorf("abort reason = %q, want %q", exec.AbortReason, models.SubTaskAbortMaxLoopsReached)
	}
	if !exec.ReachedMaxLoops {
		t.Error("expected ReachedMaxLoops = true")
	}
	if len(tool.calls) != 2 {
		t.Errorf("expected 2 distinct tool calls, got %d", len(tool.calls))
	}
	if exec.Metrics.Total != 2 || exec.Metrics.Success != 2 {
		t.Errorf("metrics = %+v, want total=2 success=2", exec.Metrics)
	}
}

func TestSubTaskEngine_AllowlistFiltersCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		toolCallBlock("fs", "echo", `{}`),
	}}
	engine, _, tool := newTestEngine(t, provider)

	def := &models.SubTaskDefinition{ID: "def-4", MaxLoops: 2, ServerAllowlist: []string{"other-server"}}
	exec, err := engine.Run(context.Background(), def, "", "try to call a disallowed server")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.AbortReason != models.SubTaskAbortNoToolCalls {
		t.Errorf("abort reason = %q, want %q (filtered out by allowlist)", exec.AbortReason, models.SubTaskAbortNoToolCalls)
	}
	if len(tool.calls) != 0 {
		t.Errorf("expected the disallowed tool call to never execute, got %d calls", len(tool.calls))
	}
}

func TestSubTaskEngine_PersistsExecutionRow(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"final answer"}}
	engine, store, _ := newTestEngine(t, provider)

	def := &models.SubTaskDefinition{ID: "def-5", MaxLoops: 1}
	exec, err := engine.Run(context.Background(), def, "conv-1", "summarize")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := store.SubTaskExecs.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.SubTaskExecutionSucceeded {
		t.Errorf("persisted status = %q, want succeeded", got.Status)
	}
	if got.ParentConversationID != "conv-1" {
		t.Errorf("parent conversation id = %q, want conv-1", got.ParentConversationID)
	}
}
