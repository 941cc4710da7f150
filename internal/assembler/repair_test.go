package assembler

import (
	"testing"
	"time"

	"github.com/deskassist/core/pkg/models"
)

func TestRepairToolCallPairing_NoGapIsNoop(t *testing.T) {
	in := []*models.Message{
		{ID: "1", Kind: models.MessageKindUser, Content: "hi"},
		{ID: "2", Kind: models.MessageKindResponse, ToolCallsJSON: `[{"call_id":"c1","fn_name":"f","fn_args":"{}"}]`},
		{ID: "3", Kind: models.MessageKindToolResult, ToolCallID: "c1", Content: "ok"},
	}
	report := RepairToolCallPairing(in)
	if report.Changed {
		t.Fatalf("expected no change, got %d added", len(report.Added))
	}
	if len(report.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(report.Messages))
	}
}

func TestRepairToolCallPairing_InsertsSyntheticResultForMissingCall(t *testing.T) {
	in := []*models.Message{
		{ID: "1", Kind: models.MessageKindUser, Content: "hi"},
		{ID: "2", Kind: models.MessageKindResponse, CreatedAt: time.Now(), ToolCallsJSON: `[{"call_id":"c1","fn_name":"f","fn_args":"{}"}]`},
		{ID: "3", Kind: models.MessageKindUser, Content: "next turn, no tool result ever arrived"},
	}
	report := RepairToolCallPairing(in)
	if !report.Changed {
		t.Fatal("expected a change")
	}
	if len(report.Added) != 1 {
		t.Fatalf("got %d added, want 1", len(report.Added))
	}
	if report.Added[0].ToolCallID != "c1" {
		t.Errorf("synthetic result call id = %q, want c1", report.Added[0].ToolCallID)
	}
	if report.Messages[2].Kind != models.MessageKindToolResult {
		t.Errorf("synthetic result not inserted immediately after response, got kind %v at index 2", report.Messages[2].Kind)
	}
}
