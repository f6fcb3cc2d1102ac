// Package otlp implements the OTLP Receiver & Cost Aggregator: an HTTP
// endpoint that accepts OTLP/HTTP JSON metric batches, extracts the
// Claude-specific cost/token metrics, aggregates them per pane, and hands
// the result to the Broadcast Hub as a cost_update envelope. No direct
// teacher equivalent exists (the teacher never ingests OTLP); grounded on
// the teacher's general JSON-parsing idiom (jsonl.go) and, for the
// aggregation bookkeeping itself, on wire.CostTotals.Add and the teacher's
// session.Store RWMutex-guarded map pattern.
package otlp

import (
	"sync"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

// Aggregator owns the per-pane running CostTotals. Safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	totals map[string]*wire.CostTotals
}

// NewAggregator constructs an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{totals: make(map[string]*wire.CostTotals)}
}

// Add folds metric into the running totals for its pane and returns a copy
// of the updated totals, per spec §4.9's "updates a running CostTotals".
func (a *Aggregator) Add(metric wire.CostMetric) wire.CostTotals {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.totals[metric.PaneID]
	if !ok {
		t = &wire.CostTotals{}
		a.totals[metric.PaneID] = t
	}
	t.Add(metric)
	return *t
}

// Totals returns a copy of the current totals for paneID, or the zero value
// if no metrics have been recorded for it.
func (a *Aggregator) Totals(paneID string) wire.CostTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.totals[paneID]; ok {
		return *t
	}
	return wire.CostTotals{PaneID: paneID}
}

// All returns a copy of every pane's totals.
func (a *Aggregator) All() []wire.CostTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.CostTotals, 0, len(a.totals))
	for _, t := range a.totals {
		out = append(out, *t)
	}
	return out
}
