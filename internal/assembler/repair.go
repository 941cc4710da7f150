package assembler

import (
	"encoding/json"
	"time"

	"github.com/deskassist/core/pkg/models"
)

// RepairReport summarizes what RepairToolCallPairing changed.
type RepairReport struct {
	Messages []*models.Message
	Added    []*models.Message
	Changed  bool
}

// RepairToolCallPairing ensures every tool call a response message
// declared (via ToolCallsJSON) has a matching tool_result message before
// the next response/reasoning turn, synthesizing an error tool_result for
// any that are missing. Most providers reject a transcript where a native
// tool-call turn is not immediately followed by its result; a crash
// between dispatch and result-persistence is the normal way this gap
// opens up, so the assembler repairs it on read rather than refusing to
// build a request.
func RepairToolCallPairing(messages []*models.Message) RepairReport {
	report := RepairReport{Messages: make([]*models.Message, 0, len(messages))}
	seen := make(map[string]bool)

	for i := 0; i < len(messages); i++ {
		m := messages[i]
		if m == nil {
			continue
		}
		report.Messages = append(report.Messages, m)

		if m.Kind == models.MessageKindToolResult {
			seen[m.ToolCallID] = true
			continue
		}
		if m.Kind != models.MessageKindResponse || m.ToolCallsJSON == "" {
			continue
		}

		var calls []models.ToolCallSummary
		if err := json.Unmarshal([]byte(m.ToolCallsJSON), &calls); err != nil {
			continue
		}

		// Collect the tool_result messages that already answer this
		// response's calls, wherever they fall before the next
		// response/reasoning turn.
		j := i + 1
		for ; j < len(messages); j++ {
			next := messages[j]
			if next == nil {
				continue
			}
			if next.Kind == models.MessageKindResponse || next.Kind == models.MessageKindReasoning {
				break
			}
			if next.Kind == models.MessageKindToolResult {
				seen[next.ToolCallID] = true
			}
		}

		for _, call := range calls {
			if seen[call.CallID] {
				continue
			}
			synthetic := syntheticToolResult(m, call)
			report.Added = append(report.Added, synthetic)
			report.Messages = append(report.Messages, synthetic)
			seen[call.CallID] = true
			report.Changed = true
		}
	}

	if !report.Changed {
		report.Messages = messages
	}
	return report
}

func syntheticToolResult(parent *models.Message, call models.ToolCallSummary) *models.Message {
	return &models.Message{
		ConversationID: parent.ConversationID,
		Kind:           models.MessageKindToolResult,
		Content:        "[assembler] missing tool result for call " + call.CallID + "; inserted synthetic error result.",
		ToolCallID:     call.CallID,
		CreatedAt:      parent.CreatedAt.Add(time.Nanosecond),
	}
}
