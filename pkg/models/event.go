package models

import "time"

// EventType discriminates the Event Bus payloads defined in §4.H.
type EventType string

const (
	EventMessageAdd        EventType = "message_add"
	EventMessageUpdate     EventType = "message_update"
	EventToolCall          EventType = "tool_call"
	EventToolCallUpdate    EventType = "tool_call_update"
	EventGroupMerge        EventType = "group_merge"
	EventConversationCancel EventType = "conversation_cancel"
	EventSubTaskUpdate     EventType = "sub_task_update"
)

// Event is the single, versioned envelope pushed through the bus. Exactly
// one payload pointer is populated for a given Type. Sequence is monotonic
// per conversation, giving consumers the ordering guarantees of §5:
// message_add precedes any message_update for the same id, and tool_call
// precedes its terminal tool_call_update.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Time           time.Time `json:"time"`
	Sequence       uint64    `json:"seq"`

	MessageAdd        *MessageAddPayload        `json:"message_add,omitempty"`
	MessageUpdate     *MessageUpdatePayload     `json:"message_update,omitempty"`
	ToolCall          *ToolCallPayload          `json:"tool_call,omitempty"`
	ToolCallUpdate    *ToolCallUpdatePayload    `json:"tool_call_update,omitempty"`
	GroupMerge        *GroupMergePayload        `json:"group_merge,omitempty"`
	ConversationCancel *ConversationCancelPayload `json:"conversation_cancel,omitempty"`
	SubTaskUpdate     *SubTaskUpdatePayload     `json:"sub_task_update,omitempty"`
}

// MessageAddPayload announces a newly created message row.
type MessageAddPayload struct {
	ID   string      `json:"id"`
	Kind MessageKind `json:"kind"`
}

// MessageUpdatePayload carries an incremental or final content update.
type MessageUpdatePayload struct {
	ID      string      `json:"id"`
	Kind    MessageKind `json:"kind"`
	Content string      `json:"content"`
	IsDone  bool        `json:"is_done"`
}

// ToolCallPayload announces a captured tool call before dispatch.
type ToolCallPayload struct {
	CallID          string `json:"call_id"`
	FnName          string `json:"fn_name"`
	Args            string `json:"args"`
	ParentMessageID string `json:"parent_message_id"`
}

// ToolCallUpdatePayload carries a tool call's status transition.
type ToolCallUpdatePayload struct {
	CallID string            `json:"call_id"`
	Status MCPToolCallStatus `json:"status"`
	Result string            `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// GroupMergePayload announces that a new generation group supersedes a prior
// one via regeneration (invariant 2).
type GroupMergePayload struct {
	OriginalGroupID string `json:"original_group_id"`
	NewGroupID      string `json:"new_group_id"`
	FirstMessageID  string `json:"first_message_id"`
}

// ConversationCancelPayload announces a user- or system-initiated cancel.
type ConversationCancelPayload struct {
	At time.Time `json:"at"`
}

// SubTaskUpdatePayload reports bounded-MCP-loop progress for a sub-task run.
type SubTaskUpdatePayload struct {
	ExecutionID string                 `json:"execution_id"`
	Status      SubTaskExecutionStatus `json:"status"`
	Loop        int                    `json:"loop"`
}
