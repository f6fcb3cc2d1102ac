package ring

import (
	"testing"
	"time"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

func testEvent(id string) wire.TerminalEvent {
	return wire.TerminalEvent{
		ID:        id,
		ProjectID: "proj",
		PaneID:    "pane-1",
		Kind:      wire.KindOutput,
		Content:   "hello " + id,
		Timestamp: time.Now(),
	}
}

func TestPushEvictsOldest(t *testing.T) {
	l := New(3)
	l.Push(testEvent("a"))
	l.Push(testEvent("b"))
	l.Push(testEvent("c"))
	l.Push(testEvent("d"))

	all := l.GetAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 events after eviction, got %d", len(all))
	}
	if all[0].ID != "b" {
		t.Fatalf("expected oldest surviving event to be b, got %s", all[0].ID)
	}
	if l.HasEvent("a") {
		t.Fatalf("expected a to have been evicted")
	}
}

func TestGetSinceReturnsTailAfterID(t *testing.T) {
	l := New(10)
	for _, id := range []string{"a", "b", "c", "d"} {
		l.Push(testEvent(id))
	}

	events, ok := l.GetSince("b")
	if !ok {
		t.Fatalf("expected GetSince to find b")
	}
	if len(events) != 2 || events[0].ID != "c" || events[1].ID != "d" {
		t.Fatalf("unexpected tail: %+v", events)
	}
}

func TestGetSinceMissingIDFallsBack(t *testing.T) {
	l := New(2)
	l.Push(testEvent("a"))
	l.Push(testEvent("b"))
	l.Push(testEvent("c")) // evicts a

	if _, ok := l.GetSince("a"); ok {
		t.Fatalf("expected GetSince(a) to report not-found once a is evicted")
	}
}

func TestGetSinceLastEvent(t *testing.T) {
	l := New(10)
	l.Push(testEvent("a"))

	events, ok := l.GetSince("a")
	if !ok {
		t.Fatalf("expected found")
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after the last one, got %d", len(events))
	}
}

func TestGetRecentReturnsEventsAfterTimestamp(t *testing.T) {
	l := New(10)
	base := time.Now().UTC()

	a := testEvent("a")
	a.Timestamp = base.Add(-time.Minute)
	b := testEvent("b")
	b.Timestamp = base.Add(time.Minute)
	c := testEvent("c")
	c.Timestamp = base.Add(2 * time.Minute)
	l.Push(a)
	l.Push(b)
	l.Push(c)

	recent := l.GetRecent(base)
	if len(recent) != 2 || recent[0].ID != "b" || recent[1].ID != "c" {
		t.Fatalf("unexpected recent slice: %+v", recent)
	}

	all := l.GetRecent(base.Add(-time.Hour))
	if len(all) != 3 {
		t.Fatalf("expected every event after a far-past timestamp, got %d", len(all))
	}

	none := l.GetRecent(base.Add(time.Hour))
	if len(none) != 0 {
		t.Fatalf("expected no events after a far-future timestamp, got %d", len(none))
	}
}

func TestLoadBulkTruncatesToCapacity(t *testing.T) {
	l := New(2)
	events := []wire.TerminalEvent{testEvent("a"), testEvent("b"), testEvent("c")}
	l.LoadBulk(events)

	all := l.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected truncation to capacity 2, got %d", len(all))
	}
	if all[0].ID != "b" || all[1].ID != "c" {
		t.Fatalf("expected most recent 2 events retained, got %+v", all)
	}
}

func TestGetAllIsACopy(t *testing.T) {
	l := New(10)
	l.Push(testEvent("a"))

	all := l.GetAll()
	all[0].Content = "mutated"

	fresh := l.GetAll()
	if fresh[0].Content == "mutated" {
		t.Fatalf("GetAll must return a defensive copy")
	}
}
