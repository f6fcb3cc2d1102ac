package jsonltail

import (
	"testing"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

func TestNormalizeSystemInit(t *testing.T) {
	rec := record{Type: "system", Subtype: "init", Model: "claude-x", SessionID: "sess-1"}
	ev, ok := normalize(rec, "pane-1", &wire.SessionMetadata{})
	if !ok {
		t.Fatalf("expected system/init to be handled")
	}
	if ev.Category != wire.CategorySystem {
		t.Fatalf("expected category system, got %q", ev.Category)
	}
	if ev.Content != "Session initialized with model claude-x" {
		t.Fatalf("unexpected content: %q", ev.Content)
	}
}

func TestNormalizeHook(t *testing.T) {
	rec := record{Type: "system", Subtype: "hook_started"}
	ev, ok := normalize(rec, "pane-1", nil)
	if !ok || ev.Category != wire.CategoryHook {
		t.Fatalf("expected hook category, got %+v ok=%v", ev, ok)
	}
}

func TestNormalizeToolUseStart(t *testing.T) {
	rec := record{
		Type: "stream_event",
		Event: &streamEventEnvelope{
			Type:  "content_block_start",
			Block: []byte(`{"type":"tool_use","name":"Bash"}`),
		},
	}
	session := &wire.SessionMetadata{}
	ev, ok := normalize(rec, "pane-1", session)
	if !ok {
		t.Fatalf("expected tool_use block to be handled")
	}
	if ev.Category != wire.CategoryTool || ev.Tool == nil || ev.Tool.Name != "Bash" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(session.Tools) != 1 || session.Tools[0] != "Bash" {
		t.Fatalf("expected session tools to record Bash, got %+v", session.Tools)
	}
}

func TestNormalizeTextDelta(t *testing.T) {
	rec := record{
		Type: "stream_event",
		Event: &streamEventEnvelope{
			Type:  "content_block_delta",
			Delta: &streamDelta{Type: "text_delta", Text: "hello"},
		},
	}
	ev, ok := normalize(rec, "pane-1", nil)
	if !ok || ev.Category != wire.CategoryText || ev.Content != "hello" {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
}

func TestNormalizeResultUpdatesSessionTotals(t *testing.T) {
	rec := record{Type: "result", TotalCostUSD: 0.05, InputTokens: 1000, OutputTokens: 200}
	session := &wire.SessionMetadata{}
	ev, ok := normalize(rec, "pane-1", session)
	if !ok || ev.Category != wire.CategoryResult {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
	if session.TotalCost != 0.05 || session.TotalTokens.Input != 1000 || session.TotalTokens.Output != 200 {
		t.Fatalf("unexpected session totals: %+v", session)
	}
}

func TestNormalizeUnknownTypeDropped(t *testing.T) {
	rec := record{Type: "unknown_chatter"}
	_, ok := normalize(rec, "pane-1", nil)
	if ok {
		t.Fatalf("expected unknown record type to be dropped")
	}
}

func TestNormalizeAssistantText(t *testing.T) {
	rec := record{
		Type: "assistant",
		Message: &assistantMessage{
			Model:   "claude-x",
			Content: []assistantContent{{Type: "text", Text: "hi there"}},
		},
	}
	ev, ok := normalize(rec, "pane-1", nil)
	if !ok || ev.Category != wire.CategoryText || ev.Content != "hi there" {
		t.Fatalf("unexpected event: %+v ok=%v", ev, ok)
	}
}
