// Package models defines the core data types shared across the orchestration
// engine: conversations, messages, assistants, providers, MCP capabilities,
// sub-tasks and scheduled tasks.
package models

import "time"

// Conversation is a linear container of messages that share an assistant
// identity. See the version-chain and generation-group invariants on Message.
type Conversation struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AssistantID string    `json:"assistant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageKind discriminates the role/purpose of a Message.
type MessageKind string

const (
	MessageKindSystem     MessageKind = "system"
	MessageKindUser       MessageKind = "user"
	MessageKindResponse   MessageKind = "response"
	MessageKindReasoning  MessageKind = "reasoning"
	MessageKindToolResult MessageKind = "tool_result"
	MessageKindError      MessageKind = "error"
)

// Message is a single turn in a conversation's history.
//
// ParentID encodes message-level regeneration chains: when a message is
// regenerated, the new message's ParentID points at the message it replaces.
// Among siblings sharing a ParentID, the one with the greatest ID is the
// "latest" version; older siblings are history, not context (invariant 1).
//
// GenerationGroupID groups messages produced in one logical assistant turn
// (e.g. a reasoning message and the response message it preceded, plus any
// tool_result messages the turn spawned). ParentGroupID links a regenerated
// group back to the group it supersedes (invariant 2).
type Message struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversation_id"`
	ParentID          string      `json:"parent_id,omitempty"`
	Kind              MessageKind `json:"kind"`
	Content           string      `json:"content"`
	ModelID           string      `json:"model_id,omitempty"`
	ModelName         string      `json:"model_name,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	StartAt           *time.Time  `json:"start_at,omitempty"`
	FinishAt          *time.Time  `json:"finish_at,omitempty"`
	TokenCount        int         `json:"token_count,omitempty"`
	GenerationGroupID string      `json:"generation_group_id,omitempty"`
	ParentGroupID     string      `json:"parent_group_id,omitempty"`
	// ToolCallsJSON is the canonical serialized list of MCPToolCall summaries
	// emitted by a response message; overwritten each time a tool call is
	// captured against this message (see the tool-call-parenthood invariant).
	ToolCallsJSON string `json:"tool_calls_json,omitempty"`
	// ToolCallID is set on kind=tool_result messages: the MCPToolCall.ID this
	// message reports the outcome of (invariant 3).
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// IsDone reports whether the message has been finalized (its finish time is
// set). A streaming response/reasoning message has FinishAt == nil until the
// driver flushes it.
func (m *Message) IsDone() bool {
	return m != nil && m.FinishAt != nil
}
