package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-racer/eventbackbone/internal/ring"
	"github.com/agent-racer/eventbackbone/internal/store"
	"github.com/agent-racer/eventbackbone/internal/wire"
)

func TestRunMemoryOnlyStore(t *testing.T) {
	m := New()
	l := ring.New(10)
	result := m.Run(context.Background(), store.NewMemoryOnly(), l, 1000)

	if !result.MemoryOnlyMode {
		t.Fatalf("expected memory-only mode declared")
	}
	if l.Len() != 0 {
		t.Fatalf("expected ring log untouched in memory-only mode")
	}
}

func TestRunLoadsEventsAndMarksSeen(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "events.db"), 30, 10000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	base := time.Now().UTC()
	events := []wire.TerminalEvent{
		{ID: "e1", PaneID: "p1", Kind: wire.KindOutput, Content: "a", Timestamp: base},
		{ID: "e2", PaneID: "p2", Kind: wire.KindOutput, Content: "b", Timestamp: base.Add(time.Millisecond)},
	}
	if err := st.InsertEventsBatch(context.Background(), events); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m := New()
	l := ring.New(10)
	result := m.Run(context.Background(), st, l, 1000)

	if result.MemoryOnlyMode {
		t.Fatalf("did not expect memory-only mode")
	}
	if result.EventsLoaded != 2 {
		t.Fatalf("expected 2 events loaded, got %d", result.EventsLoaded)
	}
	if result.PanesDetected != 2 {
		t.Fatalf("expected 2 panes detected, got %d", result.PanesDetected)
	}
	if l.Len() != 2 {
		t.Fatalf("expected ring log seeded with 2 events, got %d", l.Len())
	}
	if !m.HasSeen("e1") || !m.HasSeen("e2") {
		t.Fatalf("expected both ids marked seen")
	}
}

func TestMarkSeenCompactsAtCapacity(t *testing.T) {
	m := New()
	for i := 0; i < seenCapacity+10; i++ {
		m.MarkSeen(string(rune(i)))
	}
	// Mark seenCapacity+1 compacts to seenCompactedSize; the 9 marks after it
	// are appended on top.
	if len(m.order) != seenCompactedSize+9 {
		t.Fatalf("expected compaction to %d entries plus 9 later marks, got %d", seenCompactedSize, len(m.order))
	}
}

func TestHasSeenDeduplicatesLiveEmission(t *testing.T) {
	m := New()
	m.MarkSeen("dup")
	if !m.HasSeen("dup") {
		t.Fatalf("expected dup to be seen")
	}
	if m.HasSeen("never-marked") {
		t.Fatalf("did not expect unmarked id to be seen")
	}
}
