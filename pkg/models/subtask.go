package models

import (
	"encoding/json"
	"time"
)

// SubTaskDefinition is a durable, plugin-registered headless task
// specification: a (system_prompt, user_prompt) pair executed against a
// chosen assistant/model with an allowlist of MCP servers/tools.
type SubTaskDefinition struct {
	ID             string   `json:"id"`
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	AssistantID    string   `json:"assistant_id"`
	SystemPrompt   string   `json:"system_prompt"`
	MaxLoops       int      `json:"max_loops"`
	ServerAllowlist []string `json:"server_allowlist,omitempty"`
	ToolAllowlist   []string `json:"tool_allowlist,omitempty"`
	ContinueOnToolError bool `json:"continue_on_tool_error"`
}

// SubTaskAbortReason explains why a bounded MCP loop stopped before
// exhausting its result naturally.
type SubTaskAbortReason string

const (
	SubTaskAbortNone             SubTaskAbortReason = ""
	SubTaskAbortNoToolCalls      SubTaskAbortReason = "no_tool_calls"
	SubTaskAbortDuplicateCalls   SubTaskAbortReason = "duplicate_tool_calls"
	SubTaskAbortMaxLoopsReached  SubTaskAbortReason = "max_loops_reached"
)

// SubTaskExecutionStatus is the lifecycle state of a SubTaskExecution.
type SubTaskExecutionStatus string

const (
	SubTaskExecutionRunning   SubTaskExecutionStatus = "running"
	SubTaskExecutionSucceeded SubTaskExecutionStatus = "succeeded"
	SubTaskExecutionFailed    SubTaskExecutionStatus = "failed"
)

// SubTaskMetrics aggregates tool-call outcomes across a bounded MCP loop run.
type SubTaskMetrics struct {
	Total      int     `json:"total"`
	Success    int     `json:"success"`
	Failed     int     `json:"failed"`
	TotalMS    int64   `json:"total_ms"`
	AvgMS      float64 `json:"avg_ms"`
}

// SubTaskExecution is a per-run execution record for a SubTaskDefinition.
type SubTaskExecution struct {
	ID                 string                 `json:"id"`
	DefinitionID       string                 `json:"definition_id"`
	ParentConversationID string               `json:"parent_conversation_id,omitempty"`
	Status             SubTaskExecutionStatus `json:"status"`
	UserPrompt         string                 `json:"user_prompt"`
	ResultContent      string                 `json:"result_content,omitempty"`
	RawModelOutput     string                 `json:"raw_model_output,omitempty"`
	Loops              int                    `json:"loops"`
	ReachedMaxLoops    bool                   `json:"reached_max_loops"`
	AbortReason        SubTaskAbortReason     `json:"abort_reason,omitempty"`
	Metrics            SubTaskMetrics         `json:"metrics"`
	TokenCount         int                    `json:"token_count,omitempty"`
	DebugLog           json.RawMessage        `json:"debug_log,omitempty"`
	Error              string                 `json:"error,omitempty"`
	StartedAt          time.Time              `json:"started_at"`
	FinishedAt         *time.Time             `json:"finished_at,omitempty"`
}

// ToolCallSignature identifies a single tool invocation attempt for
// duplicate-call suppression (server, tool, normalized args).
type ToolCallSignature struct {
	Server string
	Tool   string
	Args   string
}
