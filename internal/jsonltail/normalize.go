package jsonltail

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

// record is the permissive shape of a single JSONL line; fields not present
// for a given `type` are simply left zero.
type record struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`

	// system
	Subtype string `json:"subtype"`
	Model   string `json:"model"`
	Cwd     string `json:"cwd"`

	// stream_event
	Event *streamEventEnvelope `json:"event"`

	// result
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	DurationMs   int64   `json:"duration_ms"`

	// assistant
	Message *assistantMessage `json:"message"`
}

type streamEventEnvelope struct {
	Type  string          `json:"type"`
	Delta *streamDelta    `json:"delta"`
	Block json.RawMessage `json:"content_block"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contentBlockShape struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type assistantMessage struct {
	Model   string              `json:"model"`
	Content []assistantContent `json:"content"`
}

type assistantContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now().UTC()
}

// normalize translates rec into a StreamEvent per the type-to-category
// table in spec §4.4. handled reports whether rec produced an event; some
// record types are intentionally dropped.
func normalize(rec record, paneID string, session *wire.SessionMetadata) (wire.StreamEvent, bool) {
	base := wire.StreamEvent{
		ID:           rec.UUID,
		SessionID:    rec.SessionID,
		PaneID:       paneID,
		Timestamp:    parseTimestamp(rec.Timestamp),
		OriginalType: rec.Type,
	}
	if base.ID == "" {
		base.ID = fmt.Sprintf("se_%d", base.Timestamp.UnixNano())
	}

	switch rec.Type {
	case "system":
		switch rec.Subtype {
		case "init":
			base.Category = wire.CategorySystem
			base.Content = fmt.Sprintf("Session initialized with model %s", rec.Model)
			base.Model = rec.Model
			return base, true
		case "hook_started", "hook_response":
			base.Category = wire.CategoryHook
			base.Content = rec.Subtype
			return base, true
		}
		return wire.StreamEvent{}, false

	case "stream_event":
		if rec.Event == nil {
			return wire.StreamEvent{}, false
		}
		switch rec.Event.Type {
		case "content_block_start":
			var block contentBlockShape
			if len(rec.Event.Block) > 0 {
				_ = json.Unmarshal(rec.Event.Block, &block)
			}
			if block.Type != "tool_use" {
				return wire.StreamEvent{}, false
			}
			base.Category = wire.CategoryTool
			base.Tool = &wire.ToolInfo{Name: block.Name, Status: "started"}
			if session != nil {
				session.AddTool(block.Name)
			}
			return base, true
		case "content_block_delta":
			if rec.Event.Delta == nil || rec.Event.Delta.Type != "text_delta" {
				return wire.StreamEvent{}, false
			}
			base.Category = wire.CategoryText
			base.Content = rec.Event.Delta.Text
			return base, true
		}
		return wire.StreamEvent{}, false

	case "result":
		base.Category = wire.CategoryResult
		base.Cost = &wire.CostInfo{
			TotalUSD:     rec.TotalCostUSD,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			DurationMs:   rec.DurationMs,
		}
		if session != nil {
			session.TotalCost += rec.TotalCostUSD
			session.TotalTokens.Input += rec.InputTokens
			session.TotalTokens.Output += rec.OutputTokens
		}
		return base, true

	case "assistant":
		if rec.Message == nil {
			return wire.StreamEvent{}, false
		}
		var text string
		for _, c := range rec.Message.Content {
			if c.Type == "text" && c.Text != "" {
				text += c.Text
			}
		}
		if text == "" {
			return wire.StreamEvent{}, false
		}
		base.Category = wire.CategoryText
		base.Content = text
		base.Model = rec.Message.Model
		return base, true
	}

	return wire.StreamEvent{}, false
}
