// Package wire defines the data types that cross process boundaries: the
// events persisted by the store and broadcast to clients, and the smaller
// aggregates (session metadata, cost totals) derived from them.
package wire

import "time"

// EventKind classifies a TerminalEvent.
type EventKind string

const (
	KindOutput   EventKind = "output"
	KindQuestion EventKind = "question"
	KindError    EventKind = "error"
	KindStatus   EventKind = "status"
)

// QuestionOption is one selectable choice within an AskUserQuestion block.
type QuestionOption struct {
	Number      int    `json:"number"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionMetadata is the structured parse of an AskUserQuestion prompt.
// Present on a TerminalEvent only when Kind == KindQuestion and the parse
// succeeded.
type QuestionMetadata struct {
	Header   string           `json:"header"`
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options"`
}

// Valid reports whether q satisfies the invariant required to attach it to
// an event: a non-empty header and at least one option.
func (q *QuestionMetadata) Valid() bool {
	return q != nil && q.Header != "" && len(q.Options) > 0
}

// TerminalEvent is the primary normalized output of the ingestion pipeline:
// one classified, ANSI-stripped chunk of terminal content for one pane.
type TerminalEvent struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"projectId"`
	PaneID           string            `json:"paneId"`
	Kind             EventKind         `json:"kind"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	QuestionMetadata *QuestionMetadata `json:"questionMetadata,omitempty"`
}

// StreamCategory classifies a StreamEvent parsed from a JSONL source.
type StreamCategory string

const (
	CategoryText   StreamCategory = "text"
	CategoryTool   StreamCategory = "tool"
	CategoryHook   StreamCategory = "hook"
	CategoryResult StreamCategory = "result"
	CategorySystem StreamCategory = "system"
	CategoryError  StreamCategory = "error"
)

// ToolInfo describes a tool invocation surfaced by the structured JSONL path.
type ToolInfo struct {
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Input  map[string]any  `json:"input,omitempty"`
}

// CostInfo carries the cost/usage fields from a `result` JSONL record.
type CostInfo struct {
	TotalUSD     float64 `json:"totalUsd"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	DurationMs   int64   `json:"durationMs"`
}

// StreamEvent is the richer, passthrough-typed event emitted by the JSONL
// tailer for sources that expose structured append-only logs.
type StreamEvent struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	PaneID       string         `json:"paneId"`
	Timestamp    time.Time      `json:"timestamp"`
	OriginalType string         `json:"originalType"`
	Category     StreamCategory `json:"category"`
	Content      string         `json:"content"`
	Tool         *ToolInfo      `json:"tool,omitempty"`
	Cost         *CostInfo      `json:"cost,omitempty"`
	Model        string         `json:"model,omitempty"`
}

// TokenTotals accumulates input/output token counts for a session.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// SessionMetadata is the per-pane aggregate maintained by the Stream path.
// Totals are monotonically non-decreasing across the session's lifetime.
type SessionMetadata struct {
	SessionID  string      `json:"sessionId"`
	PaneID     string      `json:"paneId"`
	Model      string      `json:"model,omitempty"`
	Tools      []string    `json:"tools,omitempty"`
	Cwd        string      `json:"cwd,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	TotalCost  float64     `json:"totalCost"`
	TotalTokens TokenTotals `json:"totalTokens"`
}

// AddTool appends name to Tools if not already present.
func (s *SessionMetadata) AddTool(name string) {
	if name == "" {
		return
	}
	for _, t := range s.Tools {
		if t == name {
			return
		}
	}
	s.Tools = append(s.Tools, name)
}

// CostMetric is a single aggregation window's worth of cost/token data for
// one pane, as reported by the OTLP receiver.
type CostMetric struct {
	PaneID       string    `json:"paneId"`
	SessionID    string    `json:"sessionId,omitempty"`
	CostUSD      float64   `json:"costUsd"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CacheRead    int64     `json:"cacheReadTokens"`
	CacheWrite   int64     `json:"cacheWriteTokens"`
	Timestamp    time.Time `json:"timestamp"`
}

// CostTotals is the running per-pane accumulation across all CostMetric
// batches received for that pane.
type CostTotals struct {
	PaneID          string    `json:"paneId"`
	TotalCostUSD    float64   `json:"totalCostUsd"`
	TotalTokens     TokenTotals `json:"totalTokens"`
	TotalCacheRead  int64     `json:"totalCacheReadTokens"`
	TotalCacheWrite int64     `json:"totalCacheWriteTokens"`
	MetricCount     int       `json:"metricCount"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
}

// Add folds a metric's fields into the running totals.
func (t *CostTotals) Add(m CostMetric) {
	t.PaneID = m.PaneID
	t.TotalCostUSD += m.CostUSD
	t.TotalTokens.Input += int(m.InputTokens)
	t.TotalTokens.Output += int(m.OutputTokens)
	t.TotalCacheRead += m.CacheRead
	t.TotalCacheWrite += m.CacheWrite
	t.MetricCount++
	if t.FirstSeen.IsZero() {
		t.FirstSeen = m.Timestamp
	}
	if m.Timestamp.After(t.LastSeen) {
		t.LastSeen = m.Timestamp
	}
}
