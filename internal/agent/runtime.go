// Package agent implements the Chat Driver (spec §4.D) and Tool-Call
// Executor (spec §4.E): the orchestration engine that drives one
// conversation turn against an LLMProvider, persists the resulting
// messages and MCPToolCall rows through a storage.StoreSet, and
// republishes every state transition on the conversation's Event Bus.
//
// A minimal run looks like:
//
//	rt := agent.NewRuntime(provider, store)
//	rt.RegisterTool(myTool)
//	chunks, err := rt.Process(ctx, conversation, &models.Message{
//	    Kind:    models.MessageKindUser,
//	    Content: "what's the weather in Boston?",
//	}, nil)
//	for chunk := range chunks {
//	    // stream chunk.Text to the UI
//	}
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskassist/core/internal/activity"
	"github.com/deskassist/core/internal/assembler"
	"github.com/deskassist/core/internal/eventbus"
	"github.com/deskassist/core/internal/jobs"
	"github.com/deskassist/core/internal/observability"
	"github.com/deskassist/core/internal/retry"
	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/internal/tools/policy"
	"github.com/deskassist/core/pkg/models"
)

// maxConcurrentJobs bounds the number of async tool jobs the runtime will
// run at once, independent of the per-batch ToolExecutor concurrency.
const maxConcurrentJobs = 50

// Runtime drives chat turns for one or more conversations against a single
// LLMProvider. It owns the tool registry, per-conversation serialization,
// and the event plumbing (per-run streaming plus the conversation Event Bus).
type Runtime struct {
	provider LLMProvider
	tools    *ToolRegistry
	store    storage.StoreSet

	opts          RuntimeOptions
	defaultModel  string
	defaultSystem string
	maxIterations int
	maxWallTime   time.Duration
	toolExec      ToolExecConfig
	retryConfig   retry.Config

	convLocksMu sync.Mutex
	convLocks   map[string]*convLock

	plugins  *PluginRegistry
	activity *activity.Tracker
	bus      *eventbus.Bus

	jobSem chan struct{}
}

// NewRuntime creates a Runtime with default options.
func NewRuntime(provider LLMProvider, store storage.StoreSet) *Runtime {
	return NewRuntimeWithOptions(provider, store, DefaultRuntimeOptions())
}

// NewRuntimeWithOptions creates a Runtime with explicit options.
func NewRuntimeWithOptions(provider LLMProvider, store storage.StoreSet, opts RuntimeOptions) *Runtime {
	opts = mergeRuntimeOptions(DefaultRuntimeOptions(), opts)
	return &Runtime{
		provider: provider,
		tools:    NewToolRegistry(),
		store:    store,
		opts:     opts,
		maxIterations: opts.MaxIterations,
		toolExec: ToolExecConfig{
			Concurrency:    opts.ToolParallelism,
			PerToolTimeout: opts.ToolTimeout,
			MaxAttempts:    opts.ToolMaxAttempts,
			RetryBackoff:   opts.ToolRetryBackoff,
		},
		retryConfig: retry.Exponential(3, 250*time.Millisecond, 10*time.Second),
		convLocks:   make(map[string]*convLock),
		plugins:     NewPluginRegistry(),
		activity:    activity.New(),
		bus:         eventbus.New(),
		jobSem:      make(chan struct{}, maxConcurrentJobs),
	}
}

// SetOptions replaces the runtime's options wholesale.
func (r *Runtime) SetOptions(opts RuntimeOptions) {
	r.opts = mergeRuntimeOptions(DefaultRuntimeOptions(), opts)
	r.maxIterations = r.opts.MaxIterations
	r.toolExec = ToolExecConfig{
		Concurrency:    r.opts.ToolParallelism,
		PerToolTimeout: r.opts.ToolTimeout,
		MaxAttempts:    r.opts.ToolMaxAttempts,
		RetryBackoff:   r.opts.ToolRetryBackoff,
	}
}

// SetDefaultModel sets the model used when neither the context nor the
// driving assistant names one.
func (r *Runtime) SetDefaultModel(model string) { r.defaultModel = model }

// SetSystemPrompt sets the fallback system prompt used when the
// conversation has no bound assistant.
func (r *Runtime) SetSystemPrompt(prompt string) { r.defaultSystem = prompt }

// SetMaxIterations bounds the number of chat/tool-dispatch round trips a
// single Process call may take.
func (r *Runtime) SetMaxIterations(n int) {
	if n > 0 {
		r.maxIterations = n
	}
}

// SetMaxWallTime bounds the total wall-clock time a single Process call may
// run before it is cancelled with AgentEventRunTimedOut.
func (r *Runtime) SetMaxWallTime(d time.Duration) { r.maxWallTime = d }

// SetToolExecConfig overrides the Tool-Call Executor's dispatch settings.
func (r *Runtime) SetToolExecConfig(cfg ToolExecConfig) { r.toolExec = cfg }

// SetRetryConfig overrides the Chat Driver's outer retry/backoff policy
// (spec §4.D: default 3 attempts, exponential-with-jitter).
func (r *Runtime) SetRetryConfig(cfg retry.Config) { r.retryConfig = cfg }

// SetActivityTracker replaces the runtime's activity tracker (spec §4.I).
// Share one tracker across runtimes when the host wants a single
// process-wide view of in-flight work.
func (r *Runtime) SetActivityTracker(t *activity.Tracker) {
	if t != nil {
		r.activity = t
	}
}

// SetEventBus replaces the runtime's Event Bus (spec §4.H). Share one bus
// across runtimes so a single subscriber sees every conversation.
func (r *Runtime) SetEventBus(b *eventbus.Bus) {
	if b != nil {
		r.bus = b
	}
}

// Activity returns the runtime's activity tracker, for hosts that need to
// call SetFocus/IsFocused/Cancel directly.
func (r *Runtime) Activity() *activity.Tracker { return r.activity }

// EventBus returns the runtime's Event Bus, for hosts that need to
// Subscribe to conversation events.
func (r *Runtime) EventBus() *eventbus.Bus { return r.bus }

// Provider returns the runtime's LLMProvider, for callers that drive their
// own completion loop instead of Process — namely the Sub-Task Engine's
// bounded MCP loop (spec §4.F), which needs completions but not
// Conversation/Message persistence.
func (r *Runtime) Provider() LLMProvider { return r.provider }

// Tools returns the runtime's tool registry, shared with the Sub-Task
// Engine so a sub-task can dispatch against the same registered tools as
// ordinary conversations.
func (r *Runtime) Tools() *ToolRegistry { return r.tools }

// DefaultModel returns the model name Process uses when a request doesn't
// name one.
func (r *Runtime) DefaultModel() string { return r.defaultModel }

// Use registers a plugin that observes every AgentEvent this runtime emits.
func (r *Runtime) Use(p Plugin) {
	if p != nil {
		r.plugins.Use(p)
	}
}

// RegisterTool adds a tool to the runtime's registry.
func (r *Runtime) RegisterTool(tool Tool) {
	if tool != nil {
		r.tools.Register(tool)
	}
}

// UnregisterTool removes a tool from the runtime's registry by name.
func (r *Runtime) UnregisterTool(name string) { r.tools.Unregister(name) }

// CancelConversation implements spec §4.E/§4.I cancellation: it aborts the
// in-flight chat task (if any), deletes any still-pending MCPToolCall rows,
// marks executing ones cancelled, and emits conversation_cancel.
func (r *Runtime) CancelConversation(ctx context.Context, conversationID string) error {
	r.activity.Cancel(conversationID)

	calls, err := r.store.MCPCalls.ListBy(ctx, storage.ListFilter{ConversationID: conversationID})
	if err != nil {
		return err
	}
	for _, c := range calls {
		switch c.Status {
		case models.MCPToolCallPending:
			if delErr := r.store.MCPCalls.Delete(ctx, c.ID); delErr != nil {
				r.opts.Logger.Warn("failed to delete pending tool call on cancel", "error", delErr, "call_id", c.ID)
			}
		case models.MCPToolCallExecuting:
			c.Status = models.MCPToolCallCancelled
			now := time.Now()
			c.FinishedAt = &now
			if updErr := r.store.MCPCalls.Update(ctx, c); updErr != nil {
				r.opts.Logger.Warn("failed to mark executing tool call cancelled", "error", updErr, "call_id", c.ID)
			}
			r.bus.Publish(models.Event{
				Type:           models.EventToolCallUpdate,
				ConversationID: conversationID,
				ToolCallUpdate: &models.ToolCallUpdatePayload{CallID: c.ID, Status: models.MCPToolCallCancelled},
			})
		}
	}

	r.bus.Publish(models.Event{
		Type:               models.EventConversationCancel,
		ConversationID:     conversationID,
		ConversationCancel: &models.ConversationCancelPayload{At: time.Now()},
	})
	return nil
}

// Process starts one conversation turn: it persists msg (and attachments)
// as the incoming user message, then streams the Chat Driver/Tool-Call
// Executor loop on a background goroutine. The returned channel is closed
// once the turn (including any tool-call follow-up turns) completes.
func (r *Runtime) Process(ctx context.Context, conv *models.Conversation, msg *models.Message, attachments []*models.Attachment) (<-chan *ResponseChunk, error) {
	if conv == nil || strings.TrimSpace(conv.ID) == "" {
		return nil, fmt.Errorf("agent: conversation with an id is required")
	}
	if msg == nil {
		return nil, fmt.Errorf("agent: message is required")
	}
	if r.provider == nil {
		return nil, ErrNoProvider
	}

	runID := conv.ID + "-" + uuid.NewString()
	ctx = observability.AddRunID(ctx, runID)
	ctx = observability.AddConversationID(ctx, conv.ID)
	ctx = WithConversation(ctx, conv)

	stats := NewStatsCollector(runID)
	chunks := make(chan *ResponseChunk, 64)
	sink := NewMultiSink(
		NewChunkAdapterSink(chunks),
		NewPluginSink(r.plugins),
		NewCallbackSink(stats.OnEvent),
	)
	emitter := NewEventEmitter(runID, sink)

	runCtx, cancelFn := context.WithCancel(ctx)
	cancel := cancelFn
	if r.maxWallTime > 0 {
		wallCtx, wallCancel := context.WithTimeout(runCtx, r.maxWallTime)
		runCtx = wallCtx
		cancel = func() { wallCancel(); cancelFn() }
	}
	r.activity.BeginTask(conv.ID, cancel)

	go func() {
		defer close(chunks)
		defer cancel()
		defer r.activity.EndTask(conv.ID)

		emitter.RunStarted(runCtx)

		err := r.run(runCtx, conv, msg, attachments, emitter, stats)

		switch {
		case err != nil && runCtx.Err() == context.DeadlineExceeded:
			emitter.RunTimedOut(runCtx, r.maxWallTime)
		case err != nil && runCtx.Err() == context.Canceled:
			emitter.RunCancelled(runCtx)
		case err != nil:
			emitter.RunError(runCtx, err, IsRetryable(err))
		default:
			emitter.RunFinished(runCtx, stats.Stats())
		}
	}()

	return chunks, nil
}

// IsRetryable reports whether err, if surfaced from a run, indicates a
// retry at a higher level (e.g. a new Process call) might succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return retry.IsRetryable(err)
}

// run implements the Chat Driver (§4.D) and Tool-Call Executor (§4.E) loop
// for one Process call: persist the incoming message, assemble context,
// stream the model, capture and dispatch any tool calls, and repeat until
// the model produces a turn with no further tool calls or maxIterations is
// reached.
func (r *Runtime) run(ctx context.Context, conv *models.Conversation, msg *models.Message, attachments []*models.Attachment, emitter *EventEmitter, stats *StatsCollector) error {
	unlock := r.lockConversation(conv.ID)
	defer unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := r.store.Messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("agent: persist incoming message: %w", err)
	}
	r.bus.Publish(models.Event{
		Type:           models.EventMessageAdd,
		ConversationID: conv.ID,
		MessageAdd:     &models.MessageAddPayload{ID: msg.ID, Kind: msg.Kind},
	})

	for _, att := range attachments {
		if att == nil {
			continue
		}
		att.MessageID = msg.ID
		if err := r.store.Attachments.Create(ctx, att); err != nil {
			r.opts.Logger.Warn("failed to persist attachment", "error", err, "message_id", msg.ID)
		}
	}

	var asst *models.Assistant
	if conv.AssistantID != "" {
		a, err := r.store.Assistants.Get(ctx, conv.AssistantID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("agent: load assistant: %w", err)
		}
		asst = a
	}

	history, err := r.store.Messages.ListBy(ctx, storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		return fmt.Errorf("agent: load history: %w", err)
	}
	repaired := assembler.RepairToolCallPairing(history)
	for _, added := range repaired.Added {
		if err := r.store.Messages.Create(ctx, added); err != nil {
			r.opts.Logger.Warn("failed to persist synthetic tool result", "error", err)
		}
	}

	model, _ := modelFromContext(ctx)
	if model == "" {
		model = r.defaultModel
	}
	if model == "" && asst != nil {
		model = asst.DefaultModelBindings["primary"]
	}

	servers, err := r.store.MCPServers.List(ctx)
	if err != nil {
		return fmt.Errorf("agent: list MCP servers: %w", err)
	}
	toolsByServer := make(map[string][]*models.MCPTool, len(servers))
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		tools, err := r.store.MCPTools.ListByServer(ctx, srv.ID)
		if err != nil {
			return fmt.Errorf("agent: list MCP tools for server %s: %w", srv.ID, err)
		}
		toolsByServer[srv.ID] = tools
	}

	resolver, toolPolicy, _ := toolPolicyFromContext(ctx)
	if resolver == nil {
		resolver = policy.NewResolver()
	}

	nativeToolCalling := r.provider.SupportsTools()
	groupID := msg.GenerationGroupID
	if groupID == "" {
		groupID = uuid.NewString()
	}
	firstMessageOfGroup := true

	for iter := 0; iter < r.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		emitter.SetIter(iter)
		emitter.IterStarted(ctx)

		history, err = r.store.Messages.ListBy(ctx, storage.ListFilter{ConversationID: conv.ID})
		if err != nil {
			return fmt.Errorf("agent: reload history: %w", err)
		}

		assembled := assembler.Assemble(assembler.AssembleInput{
			Assistant:                asst,
			History:                  history,
			TemplateContext:          map[string]string{},
			Servers:                  servers,
			ToolsByServer:            toolsByServer,
			NativeToolCalling:        nativeToolCalling,
			ProviderSupportsToolRole: true,
			ManifestMode:             assembler.ManifestInjectPrepend,
		})

		systemPrompt := assembled.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = r.defaultSystem
		}

		completionMessages := buildCompletionMessages(assembled.Messages)

		var llmTools []Tool
		if nativeToolCalling {
			llmTools = filterToolsByPolicy(resolver, toolPolicy, r.tools.AsLLMTools())
		}

		req := &CompletionRequest{
			Model:    model,
			System:   systemPrompt,
			Messages: completionMessages,
			Tools:    llmTools,
		}

		assistantMsg := &models.Message{
			ID:                uuid.NewString(),
			ConversationID:    conv.ID,
			Kind:              models.MessageKindResponse,
			CreatedAt:         time.Now(),
			ModelID:           model,
			GenerationGroupID: groupID,
		}
		if firstMessageOfGroup && msg.ParentGroupID != "" {
			assistantMsg.ParentGroupID = msg.ParentGroupID
		}

		var chunks <-chan *CompletionChunk
		result := retry.Do(ctx, r.retryConfig, func() error {
			ch, callErr := r.provider.Complete(ctx, req)
			if callErr != nil {
				return callErr
			}
			chunks = ch
			return nil
		})
		if result.Err != nil {
			return fmt.Errorf("agent: provider call failed after %d attempts: %w", result.Attempts, result.Err)
		}

		var text strings.Builder
		var toolCalls []models.MCPToolCall
		var inputTokens, outputTokens int
		created := false

		for chunk := range chunks {
			if chunk.Error != nil {
				return chunk.Error
			}
			if chunk.Thinking != "" {
				emitter.ModelDelta(ctx, chunk.Thinking)
			}
			if chunk.Text != "" {
				if !created {
					if cerr := r.store.Messages.Create(ctx, assistantMsg); cerr != nil {
						return fmt.Errorf("agent: persist assistant message: %w", cerr)
					}
					r.bus.Publish(models.Event{
						Type:           models.EventMessageAdd,
						ConversationID: conv.ID,
						MessageAdd:     &models.MessageAddPayload{ID: assistantMsg.ID, Kind: assistantMsg.Kind},
					})
					if firstMessageOfGroup && msg.ParentGroupID != "" {
						r.bus.Publish(models.Event{
							Type:           models.EventGroupMerge,
							ConversationID: conv.ID,
							GroupMerge: &models.GroupMergePayload{
								OriginalGroupID: msg.ParentGroupID,
								NewGroupID:      groupID,
								FirstMessageID:  assistantMsg.ID,
							},
						})
					}
					firstMessageOfGroup = false
					created = true
				}
				text.WriteString(chunk.Text)
				assistantMsg.Content = text.String()
				emitter.ModelDelta(ctx, chunk.Text)
				r.bus.Publish(models.Event{
					Type:           models.EventMessageUpdate,
					ConversationID: conv.ID,
					MessageUpdate: &models.MessageUpdatePayload{
						ID: assistantMsg.ID, Kind: assistantMsg.Kind, Content: assistantMsg.Content, IsDone: false,
					},
				})
			}
			if chunk.ToolCall != nil {
				tc := *chunk.ToolCall
				if tc.ID == "" {
					tc.ID = uuid.NewString()
				}
				tc.ConversationID = conv.ID
				tc.Status = models.MCPToolCallPending
				tc.CreatedAt = time.Now()
				if serverName, toolName, ok := models.SplitWireName(tc.ToolName); ok {
					tc.ServerName = serverName
					tc.ToolName = toolName
				}
				toolCalls = append(toolCalls, tc)
			}
			if chunk.Done {
				inputTokens = chunk.InputTokens
				outputTokens = chunk.OutputTokens
			}
		}

		if !nativeToolCalling && len(toolCalls) == 0 {
			toolCalls = detectToolCallsFromText(text.String(), conv.ID)
		}

		emitter.ModelCompleted(ctx, r.provider.Name(), model, inputTokens, outputTokens)

		if created {
			now := time.Now()
			assistantMsg.FinishAt = &now
			if len(toolCalls) > 0 {
				assistantMsg.ToolCallsJSON = toolCallSummariesJSON(toolCalls)
			}
			if err := r.store.Messages.Update(ctx, assistantMsg); err != nil {
				return fmt.Errorf("agent: finalize assistant message: %w", err)
			}
			r.bus.Publish(models.Event{
				Type:           models.EventMessageUpdate,
				ConversationID: conv.ID,
				MessageUpdate: &models.MessageUpdatePayload{
					ID: assistantMsg.ID, Kind: assistantMsg.Kind, Content: assistantMsg.Content, IsDone: true,
				},
			})
		}
		emitter.IterFinished(ctx)

		if len(toolCalls) == 0 {
			return nil
		}

		dispatched, err := r.executeToolCalls(ctx, conv.ID, assistantMsg, toolCalls, asst, resolver, emitter)
		if err != nil {
			return err
		}
		if len(dispatched) == 0 {
			// Every call in this batch requires confirmation; the host
			// must call ConfirmToolCall once the user decides, which
			// persists its own tool_result message and re-enters Process.
			return nil
		}
		for _, tr := range dispatched {
			resultMsg := &models.Message{
				ID:                uuid.NewString(),
				ConversationID:    conv.ID,
				Kind:              models.MessageKindToolResult,
				Content:           tr.Result,
				ToolCallID:        tr.ID,
				CreatedAt:         time.Now(),
				GenerationGroupID: groupID,
			}
			if tr.Error != "" {
				resultMsg.Content = tr.Error
			}
			if err := r.store.Messages.Create(ctx, resultMsg); err != nil {
				return fmt.Errorf("agent: persist tool result message: %w", err)
			}
		}
	}

	return &LoopError{Phase: PhaseComplete, Iteration: r.maxIterations, Message: "max iterations reached", Cause: ErrMaxIterations}
}

// resolveAutoRun implements the 3-tier priority from spec §4.E: an
// assistant-level override, then a per-tool override keyed by
// "server/tool", then the persisted MCPTool.IsAutoRun flag.
func resolveAutoRun(asst *models.Assistant, serverName, toolName string, persisted bool) bool {
	if asst != nil && asst.AllToolAutoRun != nil {
		return *asst.AllToolAutoRun
	}
	if asst != nil && asst.ToolAutoRun != nil {
		if v, ok := asst.ToolAutoRun[models.ToolAutoRunKey(serverName, toolName)]; ok {
			return v
		}
	}
	return persisted
}

// executeToolCalls implements the Tool-Call Executor (§4.E) for one batch
// of model-requested calls: persist each as pending with a UI hint, resolve
// auto-run, transition pending->executing, dispatch, and persist the
// outcome. Calls that are not auto-run and have no approval decision yet
// are left pending for the host to confirm later via ConfirmToolCall; they
// are excluded from the returned slice.
func (r *Runtime) executeToolCalls(ctx context.Context, conversationID string, parent *models.Message, calls []models.MCPToolCall, asst *models.Assistant, resolver *policy.Resolver, emitter *EventEmitter) ([]models.MCPToolCall, error) {
	serial := asst != nil && asst.SerialToolExecution
	execCfg := r.toolExec
	if serial {
		execCfg.Concurrency = 1
	}
	toolExec := NewToolExecutor(r.tools, execCfg)

	var toDispatch []models.MCPToolCall
	for _, tc := range calls {
		if err := r.store.MCPCalls.Create(ctx, &tc); err != nil {
			return nil, fmt.Errorf("agent: persist tool call: %w", err)
		}
		r.bus.Publish(models.Event{
			Type:           models.EventToolCall,
			ConversationID: conversationID,
			ToolCall: &models.ToolCallPayload{
				CallID:          tc.ID,
				FnName:          models.WireName(tc.ServerName, tc.ToolName),
				Args:            string(tc.ParametersJSON),
				ParentMessageID: parent.ID,
			},
		})
		emitter.ToolStarted(ctx, tc.ID, tc.ToolName, tc.ParametersJSON)

		wireName := models.WireName(tc.ServerName, tc.ToolName)
		persisted := r.lookupAutoRun(ctx, &tc)
		autoRun := resolveAutoRun(asst, tc.ServerName, tc.ToolName, persisted) && !r.requiresApproval(r.opts, wireName, resolver)
		if !autoRun {
			if r.opts.ApprovalChecker != nil {
				agentID := ""
				if asst != nil {
					agentID = asst.ID
				}
				if _, err := r.opts.ApprovalChecker.CreateApprovalRequest(ctx, agentID, conversationID, tc, "requires user confirmation"); err != nil {
					r.opts.Logger.Warn("failed to create approval request", "error", err, "call_id", tc.ID)
				}
			}
			continue
		}

		ok, err := r.store.MCPCalls.MarkExecutingIfPending(ctx, tc.ID)
		if err != nil {
			return nil, fmt.Errorf("agent: mark tool call executing: %w", err)
		}
		if !ok {
			continue
		}
		tc.Status = models.MCPToolCallExecuting

		if r.opts.JobStore != nil && r.isAsyncTool(r.opts, wireName, resolver) {
			r.dispatchAsyncToolJob(tc, toolExec)
			continue
		}
		toDispatch = append(toDispatch, tc)
	}

	if len(toDispatch) == 0 {
		return nil, nil
	}

	execResults := toolExec.ExecuteConcurrently(ctx, toDispatch, nil)

	guard := r.opts.ToolResultGuard
	results := make([]models.MCPToolCall, 0, len(execResults))
	for _, er := range execResults {
		res := guardToolResult(guard, er.ToolCall.ToolName, er.Result, resolver)
		finishedAt := er.EndTime
		res.FinishedAt = &finishedAt
		if err := r.store.MCPCalls.Update(ctx, &res); err != nil {
			r.opts.Logger.Warn("failed to persist tool call result", "error", err, "call_id", res.ID)
		}
		r.bus.Publish(models.Event{
			Type:           models.EventToolCallUpdate,
			ConversationID: conversationID,
			ToolCallUpdate: &models.ToolCallUpdatePayload{
				CallID: res.ID, Status: res.Status, Result: res.Result, Error: res.Error,
			},
		})
		emitter.ToolFinished(ctx, res.ID, res.ToolName, res.Status == models.MCPToolCallSuccess, []byte(res.Result), er.EndTime.Sub(er.StartTime))
		results = append(results, res)
	}
	return results, nil
}

// dispatchAsyncToolJob runs an auto-run, async-eligible tool call as a
// background job instead of blocking the current turn on it: the Chat
// Driver moves on without a tool_result message for this call, and the
// host observes completion through r.opts.JobStore.
func (r *Runtime) dispatchAsyncToolJob(tc models.MCPToolCall, toolExec *ToolExecutor) {
	job := &jobs.Job{
		ID:         tc.ID,
		ToolName:   tc.ToolName,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if err := r.opts.JobStore.Create(context.Background(), job); err != nil {
		r.opts.Logger.Warn("failed to create async tool job", "error", err, "call_id", tc.ID)
		return
	}

	r.jobSem <- struct{}{}
	go func() {
		defer func() { <-r.jobSem }()
		r.runToolJob(tc, job, toolExec, r.opts.JobStore)
	}()
}

// lookupAutoRun fetches the persisted is_auto_run flag for a tool call's
// target tool, falling back to false (require confirmation) if the tool or
// its server cannot be resolved.
func (r *Runtime) lookupAutoRun(ctx context.Context, tc *models.MCPToolCall) bool {
	servers, err := r.store.MCPServers.List(ctx)
	if err != nil {
		return false
	}
	for _, srv := range servers {
		if srv == nil || srv.Name != tc.ServerName {
			continue
		}
		tc.ServerID = srv.ID
		tools, err := r.store.MCPTools.ListByServer(ctx, srv.ID)
		if err != nil {
			return false
		}
		for _, t := range tools {
			if t != nil && t.Name == tc.ToolName {
				return t.IsAutoRun
			}
		}
	}
	return false
}

// ConfirmToolCall dispatches a single previously-pending tool call once the
// host has obtained the user's confirm_permission decision (spec §4.E
// step 3). Denied calls should be deleted by the host instead of calling
// this method.
func (r *Runtime) ConfirmToolCall(ctx context.Context, callID string) error {
	tc, err := r.store.MCPCalls.Get(ctx, callID)
	if err != nil {
		return err
	}
	ok, err := r.store.MCPCalls.MarkExecutingIfPending(ctx, callID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	tc.Status = models.MCPToolCallExecuting

	toolExec := NewToolExecutor(r.tools, r.toolExec)
	results := toolExec.ExecuteConcurrently(ctx, []models.MCPToolCall{*tc}, nil)
	if len(results) == 0 {
		return fmt.Errorf("agent: tool call execution produced no result")
	}
	res := guardToolResult(r.opts.ToolResultGuard, tc.ToolName, results[0].Result, policy.NewResolver())
	if err := r.store.MCPCalls.Update(ctx, &res); err != nil {
		return err
	}
	r.bus.Publish(models.Event{
		Type:           models.EventToolCallUpdate,
		ConversationID: tc.ConversationID,
		ToolCallUpdate: &models.ToolCallUpdatePayload{CallID: res.ID, Status: res.Status, Result: res.Result, Error: res.Error},
	})

	resultMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: tc.ConversationID,
		Kind:           models.MessageKindToolResult,
		Content:        res.Result,
		ToolCallID:     res.ID,
		CreatedAt:      time.Now(),
	}
	if res.Error != "" {
		resultMsg.Content = res.Error
	}
	return r.store.Messages.Create(ctx, resultMsg)
}

// buildCompletionMessages converts the assembler's ordered Message slice
// into the provider-neutral CompletionMessage shape.
func buildCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		switch m.Kind {
		case models.MessageKindUser:
			out = append(out, CompletionMessage{Role: "user", Content: m.Content})
		case models.MessageKindResponse, models.MessageKindReasoning:
			cm := CompletionMessage{Role: "assistant", Content: m.Content}
			if m.ToolCallsJSON != "" {
				var summaries []models.ToolCallSummary
				if err := json.Unmarshal([]byte(m.ToolCallsJSON), &summaries); err == nil {
					for _, s := range summaries {
						serverName, toolName, _ := models.SplitWireName(s.FnName)
						cm.ToolCalls = append(cm.ToolCalls, models.MCPToolCall{
							ID:             s.CallID,
							ServerName:     serverName,
							ToolName:       toolName,
							ParametersJSON: json.RawMessage(s.FnArgs),
							Status:         models.MCPToolCallPending,
						})
					}
				}
			}
			out = append(out, cm)
		case models.MessageKindToolResult:
			out = append(out, CompletionMessage{
				Role: "tool",
				ToolResults: []models.MCPToolCall{{
					ID:     m.ToolCallID,
					Result: m.Content,
					Status: models.MCPToolCallSuccess,
				}},
			})
		}
	}
	return out
}

// toolCallSummariesJSON serializes a batch of tool calls into the
// ToolCallSummary form persisted in Message.ToolCallsJSON.
func toolCallSummariesJSON(calls []models.MCPToolCall) string {
	summaries := make([]models.ToolCallSummary, 0, len(calls))
	for _, tc := range calls {
		summaries = append(summaries, models.ToolCallSummary{
			CallID: tc.ID,
			FnName: models.WireName(tc.ServerName, tc.ToolName),
			FnArgs: string(tc.ParametersJSON),
		})
	}
	b, err := json.Marshal(summaries)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DetectToolCalls exports detectToolCallsFromText for callers outside this
// package that drive their own completion loop against an LLMProvider
// instead of going through Runtime.Process — namely the Sub-Task Engine
// (internal/tools/subagent), whose bounded MCP loop (spec §4.F) needs the
// same non-native tool-call detection the Chat Driver uses.
func DetectToolCalls(text, conversationID string) []models.MCPToolCall {
	return detectToolCallsFromText(text, conversationID)
}

// detectToolCallsFromText implements the non-native pattern detector of
// spec §4.D: scans a final response for a fenced ```json block shaped like
// {"tool_calls":[{"server":"...","tool":"...","args":{...}}]} and
// synthesizes equivalent MCPToolCall records. This is the textual fallback
// used when the provider has no native tool-calling support.
func detectToolCallsFromText(text, conversationID string) []models.MCPToolCall {
	start := strings.Index(text, "```json")
	if start == -1 {
		return nil
	}
	rest := text[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return nil
	}
	block := strings.TrimSpace(rest[:end])

	var payload struct {
		ToolCalls []struct {
			Server string          `json:"server"`
			Tool   string          `json:"tool"`
			Args   json.RawMessage `json:"args"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		return nil
	}

	now := time.Now()
	calls := make([]models.MCPToolCall, 0, len(payload.ToolCalls))
	for _, c := range payload.ToolCalls {
		if c.Server == "" || c.Tool == "" {
			continue
		}
		calls = append(calls, models.MCPToolCall{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			ServerName:     c.Server,
			ToolName:       c.Tool,
			ParametersJSON: c.Args,
			Status:         models.MCPToolCallPending,
			CreatedAt:      now,
		})
	}
	return calls
}

