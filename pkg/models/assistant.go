package models

import "encoding/json"

// AssistantType distinguishes the interaction style an Assistant drives.
type AssistantType string

const (
	AssistantTypeChat     AssistantType = "chat"
	AssistantTypeCompare  AssistantType = "compare"
	AssistantTypeWorkflow AssistantType = "workflow"
	AssistantTypeDisplay  AssistantType = "display"
	AssistantTypeAgent    AssistantType = "agent"
)

// Assistant is a named bundle of system prompt, model binding, model config
// overrides, and MCP server/tool bindings.
type Assistant struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Type        AssistantType `json:"type"`

	// DefaultModelBindings maps a logical role ("primary", "vision", ...) to a
	// Model.ID.
	DefaultModelBindings map[string]string `json:"default_model_bindings,omitempty"`

	// ModelConfigOverrides holds per-call overrides (temperature, max tokens,
	// thinking budget, ...) keyed by Model.ID.
	ModelConfigOverrides map[string]json.RawMessage `json:"model_config_overrides,omitempty"`

	// PromptTemplate is rendered by the template engine with a context map
	// (e.g. {selected_text}) to produce the final system prompt.
	PromptTemplate string `json:"prompt_template"`

	// MCPServerBindings lists MCPServer.ID values enabled for this assistant.
	MCPServerBindings []string `json:"mcp_server_bindings,omitempty"`

	// MCPToolBindings restricts the enabled server bindings further to
	// specific MCPTool.ID values. An empty slice means all tools on every
	// bound server. A non-empty slice applies across all bound servers, so a
	// bound server none of whose tools are listed contributes no tools.
	MCPToolBindings []string `json:"mcp_tool_bindings,omitempty"`

	// AllToolAutoRun overrides every tool's is_auto_run flag for this
	// assistant (highest-priority term in the auto-run policy, §4.E).
	AllToolAutoRun *bool `json:"all_tool_auto_run,omitempty"`

	// ToolAutoRun overrides is_auto_run per "server/tool" key.
	ToolAutoRun map[string]bool `json:"tool_auto_run,omitempty"`

	// SerialToolExecution forces tool calls within a batch to run one at a
	// time instead of the default bounded-concurrency dispatch.
	SerialToolExecution bool `json:"serial_tool_execution,omitempty"`
}

// ToolAutoRunKey builds the "server/tool" lookup key used by ToolAutoRun.
func ToolAutoRunKey(serverName, toolName string) string {
	return serverName + "/" + toolName
}
