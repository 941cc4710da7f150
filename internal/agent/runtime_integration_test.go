package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/pkg/models"
)

// slowProvider blocks until ctx is done or release is closed, letting tests
// drive cancellation and wall-time timeouts deterministically.
type slowProvider struct {
	release chan struct{}
}

func (p *slowProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			ch <- &CompletionChunk{Error: ctx.Err()}
		case <-p.release:
			ch <- &CompletionChunk{Text: "finally", Done: true}
		}
	}()
	return ch, nil
}
func (p *slowProvider) Name() string        { return "slow-stub" }
func (p *slowProvider) Models() []Model     { return nil }
func (p *slowProvider) SupportsTools() bool { return false }

type lifecyclePlugin struct {
	events []models.AgentEventType
}

func (p *lifecyclePlugin) OnEvent(ctx context.Context, e models.AgentEvent) {
	p.events = append(p.events, e.Type)
}

func TestProcess_EmitsRunLifecycleEvents(t *testing.T) {
	store := storage.NewMemoryStoreSet()
	rt := NewRuntime(&textProvider{text: "ok"}, store)
	plugin := &lifecyclePlugin{}
	rt.Use(plugin)

	conv := &models.Conversation{ID: "conv-life"}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "hi"}

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(t, ch)

	var sawStart, sawFinish bool
	for _, ev := range plugin.events {
		if ev == models.AgentEventRunStarted {
			sawStart = true
		}
		if ev == models.AgentEventRunFinished {
			sawFinish = true
		}
	}
	if !sawStart || !sawFinish {
		t.Fatalf("expected run.started and run.finished events, got %v", plugin.events)
	}
}

func TestProcess_CancelStopsRunPromptly(t *testing.T) {
	store := storage.NewMemoryStoreSet()
	rt := NewRuntime(&slowProvider{release: make(chan struct{})}, store)

	ctx, cancel := context.WithCancel(context.Background())
	conv := &models.Conversation{ID: "conv-cancel"}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "hi"}

	ch, err := rt.Process(ctx, conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Process did not terminate promptly after cancellation")
	}
}

func TestProcess_WallTimeExceededTimesOut(t *testing.T) {
	store := storage.NewMemoryStoreSet()
	rt := NewRuntime(&slowProvider{release: make(chan struct{})}, store)
	rt.SetMaxWallTime(30 * time.Millisecond)

	plugin := &lifecyclePlugin{}
	rt.Use(plugin)

	conv := &models.Conversation{ID: "conv-timeout"}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "hi"}

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var sawErrChunk bool
	for c := range ch {
		if c.Error != nil {
			sawErrChunk = true
		}
	}
	if !sawErrChunk {
		t.Fatalf("expected the timed-out run to end with an error chunk")
	}

	var sawTimedOut bool
	for _, ev := range plugin.events {
		if ev == models.AgentEventRunTimedOut {
			sawTimedOut = true
		}
	}
	if !sawTimedOut {
		t.Fatalf("expected run.timed_out event, got %v", plugin.events)
	}
}

func TestProcess_ConcurrentToolCallsRespectConcurrencyLimit(t *testing.T) {
	store := storage.NewMemoryStoreSet()

	wireA := models.WireName("srv", "a")
	wireB := models.WireName("srv", "b")

	provider := &multiToolCallProvider{wires: []string{wireA, wireB}}
	rt := NewRuntime(provider, store)
	rt.RegisterTool(&echoTool{})

	allTrue := true
	asst := &models.Assistant{ID: "asst-multi", AllToolAutoRun: &allTrue}
	if err := store.Assistants.Create(context.Background(), asst); err != nil {
		t.Fatalf("create assistant: %v", err)
	}
	conv := &models.Conversation{ID: "conv-multi", AssistantID: asst.ID}
	msg := &models.Message{Kind: models.MessageKindUser, Content: "use both tools"}

	ch, err := rt.Process(context.Background(), conv, msg, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	drain(t, ch)

	calls, err := store.MCPCalls.ListBy(context.Background(), storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("ListBy: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 persisted tool calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Status != models.MCPToolCallSuccess {
			t.Errorf("call %s status = %v, want success", c.ID, c.Status)
		}
	}
}

// multiToolCallProvider requests every wire name in one batch on its first
// call, then replies with text on the next.
type multiToolCallProvider struct {
	wires []string
	calls int
}

func (p *multiToolCallProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.calls++
	ch := make(chan *CompletionChunk, len(p.wires)+1)
	if p.calls == 1 {
		for i, wire := range p.wires {
			ch <- &CompletionChunk{ToolCall: &models.MCPToolCall{
				ID:             fmt.Sprintf("call-%s-%d", wire, i),
				ToolName:       wire,
				ParametersJSON: json.RawMessage(`{}`),
			}}
		}
		ch <- &CompletionChunk{Done: true}
	} else {
		ch <- &CompletionChunk{Text: "done", Done: true}
	}
	close(ch)
	return ch, nil
}
func (p *multiToolCallProvider) Name() string        { return "multi-stub" }
func (p *multiToolCallProvider) Models() []Model     { return nil }
func (p *multiToolCallProvider) SupportsTools() bool { return true }
