package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deskassist/core/internal/agent"
	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/pkg/models"
)

// SubTaskEngine drives the bounded MCP loop of spec §4.F: a headless
// (system_prompt, user_prompt) pair run against a chosen assistant/model
// with an allowlist of servers/tools, for at most MaxLoops iterations.
//
// Grounded on the teacher's subagent spawn pattern (same Manager/Runtime
// pairing as SpawnTool) but without a persisted Conversation: a sub-task
// produces a single SubTaskExecution row rather than a chat transcript.
type SubTaskEngine struct {
	runtime *agent.Runtime
	execs   storage.SubTaskExecutionStore
}

// NewSubTaskEngine builds a SubTaskEngine that runs sub-tasks against
// runtime's provider and tool registry, persisting each run through execs.
func NewSubTaskEngine(runtime *agent.Runtime, execs storage.SubTaskExecutionStore) *SubTaskEngine {
	return &SubTaskEngine{runtime: runtime, execs: execs}
}

// Run executes one bounded MCP loop for def against userPrompt, implementing
// the spec §4.F pseudocode verbatim:
//
//	for iter in 1..=max_loops:
//	    chat(current_messages) -> response_text
//	    append response_text as assistant message
//	    calls = detect_tool_calls(response_text, allowlist)
//	    if calls is empty: abort_reason = "no_tool_calls"; break
//	    signatures = {(server, tool, normalized_args)}
//	    if signatures ⊆ seen: abort_reason = "duplicate_tool_calls"; break
//	    seen ∪= signatures
//	    results = execute(calls)
//	    append tool results as a user message
//	if iter == max_loops and more calls pending: abort_reason = "max_loops_reached"
func (e *SubTaskEngine) Run(ctx context.Context, def *models.SubTaskDefinition, parentConversationID, userPrompt string) (*models.SubTaskExecution, error) {
	maxLoops := def.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 1
	}

	exec := &models.SubTaskExecution{
		ID:                   uuid.NewString(),
		DefinitionID:         def.ID,
		ParentConversationID: parentConversationID,
		Status:               models.SubTaskExecutionRunning,
		UserPrompt:           userPrompt,
		StartedAt:            time.Now(),
	}
	if e.execs != nil {
		if err := e.execs.Create(ctx, exec); err != nil {
			return nil, fmt.Errorf("subtask: persist execution: %w", err)
		}
	}

	messages := []agent.CompletionMessage{{Role: "user", Content: userPrompt}}
	seen := make(map[models.ToolCallSignature]struct{})

	var (
		rawOutputs  []string
		finalText   string
		abortReason models.SubTaskAbortReason
	)

	iter := 0
	for iter = 1; iter <= maxLoops; iter++ {
		text, err := e.chat(ctx, def, messages)
		if err != nil {
			return e.finish(ctx, exec, "", rawOutputs, abortReason, err)
		}
		rawOutputs = append(rawOutputs, text)
		finalText = text
		messages = append(messages, agent.CompletionMessage{Role: "assistant", Content: text})

		calls := agent.DetectToolCalls(text, parentConversationID)
		calls = filterAllowlist(calls, def.ServerAllowlist, def.ToolAllowlist)
		if len(calls) == 0 {
			abortReason = models.SubTaskAbortNoToolCalls
			break
		}

		signatures := signaturesOf(calls)
		if allSeen(signatures, seen) {
			abortReason = models.SubTaskAbortDuplicateCalls
			break
		}
		for sig := range signatures {
			seen[sig] = struct{}{}
		}

		results, success, failed, totalMS := e.execute(ctx, calls, def.ContinueOnToolError)
		exec.Metrics.Total += len(calls)
		exec.Metrics.Success += success
		exec.Metrics.Failed += failed
		exec.Metrics.TotalMS += totalMS
		if exec.Metrics.Total > 0 {
			exec.Metrics.AvgMS = float64(exec.Metrics.TotalMS) / float64(exec.Metrics.Total)
		}

		messages = append(messages, agent.CompletionMessage{
			Role:    "user",
			Content: "Tool execution results:\n" + results + "\nGuidance: synthesize a final answer for the user from these results, or call more tools if still needed.",
		})

		if failed > 0 && !def.ContinueOnToolError {
			break
		}
	}

	reachedMax := iter > maxLoops
	if reachedMax && abortReason == "" {
		abortReason = models.SubTaskAbortMaxLoopsReached
	}
	exec.Loops = iter
	if exec.Loops > maxLoops {
		exec.Loops = maxLoops
	}
	exec.ReachedMaxLoops = reachedMax

	return e.finish(ctx, exec, finalText, rawOutputs, abortReason, nil)
}

// chat sends one completion turn. Sub-tasks always use text-based tool-call
// detection (spec §4.F's detect_tool_calls over response_text), so no
// Tools are attached to the request.
func (e *SubTaskEngine) chat(ctx context.Context, def *models.SubTaskDefinition, messages []agent.CompletionMessage) (string, error) {
	chunks, err := e.runtime.Provider().Complete(ctx, &agent.CompletionRequest{
		Model:    e.runtime.DefaultModel(),
		System:   def.SystemPrompt,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// execute dispatches calls sequentially against the shared tool registry,
// honoring continueOnError per spec §4.F, and renders a results block for
// the next user-role message.
func (e *SubTaskEngine) execute(ctx context.Context, calls []models.MCPToolCall, continueOnError bool) (rendered string, success, failed int, totalMS int64) {
	tools := e.runtime.Tools()
	var sb strings.Builder
	for _, tc := range calls {
		start := time.Now()
		wireName := models.WireName(tc.ServerName, tc.ToolName)
		result, err := tools.Execute(ctx, wireName, tc.ParametersJSON)
		elapsed := time.Since(start)
		totalMS += elapsed.Milliseconds()

		switch {
		case err != nil:
			failed++
			fmt.Fprintf(&sb, "- %s: error: %v\n", wireName, err)
			if !continueOnError {
				return sb.String(), success, failed, totalMS
			}
		case result != nil && result.IsError:
			failed++
			fmt.Fprintf(&sb, "- %s: error: %s\n", wireName, result.Content)
			if !continueOnError {
				return sb.String(), success, failed, totalMS
			}
		default:
			success++
			content := ""
			if result != nil {
				content = result.Content
			}
			fmt.Fprintf(&sb, "- %s: %s\n", wireName, content)
		}
	}
	return sb.String(), success, failed, totalMS
}

func (e *SubTaskEngine) finish(ctx context.Context, exec *models.SubTaskExecution, finalText string, rawOutputs []string, abortReason models.SubTaskAbortReason, runErr error) (*models.SubTaskExecution, error) {
	now := time.Now()
	exec.FinishedAt = &now
	exec.AbortReason = abortReason
	exec.RawModelOutput = strings.Join(rawOutputs, "\n---\n")

	if runErr != nil {
		exec.Status = models.SubTaskExecutionFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = models.SubTaskExecutionSucceeded
		exec.ResultContent = finalText
	}

	if debug, err := json.Marshal(struct {
		AbortReason models.SubTaskAbortReason `json:"abort_reason,omitempty"`
		Loops       int                       `json:"loops"`
	}{abortReason, exec.Loops}); err == nil {
		exec.DebugLog = debug
	}

	if e.execs != nil {
		if err := e.execs.Update(ctx, exec); err != nil {
			return exec, fmt.Errorf("subtask: persist execution result: %w", err)
		}
	}
	if runErr != nil {
		return exec, runErr
	}
	return exec, nil
}

// filterAllowlist drops any detected call whose server or tool isn't named
// in the definition's allowlists (an empty allowlist means "all allowed").
func filterAllowlist(calls []models.MCPToolCall, serverAllow, toolAllow []string) []models.MCPToolCall {
	if len(serverAllow) == 0 && len(toolAllow) == 0 {
		return calls
	}
	out := make([]models.MCPToolCall, 0, len(calls))
	for _, c := range calls {
		if len(serverAllow) > 0 && !contains(serverAllow, c.ServerName) {
			continue
		}
		if len(toolAllow) > 0 && !contains(toolAllow, c.ToolName) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// signaturesOf builds the (server, tool, normalized_args) set spec §4.F
// uses for duplicate-call suppression. Args are normalized by marshaling
// through a sorted-key re-encode so semantically identical JSON with
// different key order or whitespace still collapses to one signature.
func signaturesOf(calls []models.MCPToolCall) map[models.ToolCallSignature]struct{} {
	out := make(map[models.ToolCallSignature]struct{}, len(calls))
	for _, c := range calls {
		out[models.ToolCallSignature{
			Server: c.ServerName,
			Tool:   c.ToolName,
			Args:   normalizeArgs(c.ParametersJSON),
		}] = struct{}{}
	}
	return out
}

func normalizeArgs(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	normalized := normalizeValue(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

func normalizeValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = normalizeValue(m[k])
	}
	return out
}

// allSeen reports whether every signature in sigs is already present in
// seen — spec §4.F's "signatures ⊆ seen" abort condition.
func allSeen(sigs map[models.ToolCallSignature]struct{}, seen map[models.ToolCallSignature]struct{}) bool {
	for sig := range sigs {
		if _, ok := seen[sig]; !ok {
			return false
		}
	}
	return true
}
