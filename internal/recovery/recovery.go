// Package recovery implements the Recovery Manager: at startup it
// re-hydrates the Ring Log from the Durable Event Store and maintains the
// bounded "seen id" set used to suppress duplicate live emission after a
// restart. Grounded on the teacher's cmd/server/main.go startup sequencing
// (store → broadcaster → sources constructed in dependency order) — here
// generalized into its own recovery-before-hub-accept step.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/agent-racer/eventbackbone/internal/ring"
	"github.com/agent-racer/eventbackbone/internal/store"
)

const (
	seenCapacity       = 2000
	seenCompactedSize  = 1000
)

// Result is the outcome of a recovery run, reported once at startup and
// surfaced via the /status endpoint's recovery section.
type Result struct {
	Status            string    `json:"status"` // "ok" | "memory_only"
	EventsLoaded      int       `json:"eventsLoaded"`
	DuplicatesSkipped int       `json:"duplicatesSkipped"`
	PanesDetected     int       `json:"panesDetected"`
	MemoryOnlyMode    bool      `json:"memoryOnlyMode"`
	Timestamp         time.Time `json:"timestamp"`
	Error             string    `json:"error,omitempty"`
}

// Manager owns the seen-id set shared between recovery and the live
// emission hot path. Access is serialized by mu, per spec §5 ("Recovery
// Manager's seen-id set is read by the emission hot path and written by
// recovery + live emission; access is serialized").
type Manager struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string // insertion order, for compaction to the most recent half

	result Result
}

// New constructs an empty Manager. Call Run once at startup before the
// Broadcast Hub begins accepting clients.
func New() *Manager {
	return &Manager{seen: make(map[string]struct{}, seenCapacity)}
}

// Run performs the recovery algorithm described in spec §4.7: load up to
// maxEventsToLoad most recent events from st (chronological order), push
// each into log, and mark each id seen. If st is in memory-only mode, the
// run declares memory-only mode without touching the Ring Log.
func (m *Manager) Run(ctx context.Context, st *store.Store, log *ring.Log, maxEventsToLoad int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := Result{Timestamp: time.Now().UTC()}

	if st == nil || st.MemoryOnly() {
		result.Status = "memory_only"
		result.MemoryOnlyMode = true
		m.result = result
		return result
	}

	events, err := st.LoadRecent(ctx, maxEventsToLoad)
	if err != nil {
		result.Status = "memory_only"
		result.MemoryOnlyMode = true
		result.Error = err.Error()
		m.result = result
		return result
	}

	panes := make(map[string]struct{})
	duplicates := 0
	loaded := events[:0]
	for _, ev := range events {
		if _, dup := m.seen[ev.ID]; dup {
			duplicates++
			continue
		}
		m.markSeenLocked(ev.ID)
		panes[ev.PaneID] = struct{}{}
		loaded = append(loaded, ev)
	}
	log.LoadBulk(loaded)

	result.Status = "ok"
	result.EventsLoaded = len(loaded)
	result.DuplicatesSkipped = duplicates
	result.PanesDetected = len(panes)
	m.result = result
	return result
}

// LastResult returns the outcome of the most recent Run, for /status.
func (m *Manager) LastResult() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// MarkSeen records id as seen by the live emission path, matching spec
// §4.7: "markSeen(id) is also called on every live emission so post-
// recovery duplicates are suppressed."
func (m *Manager) MarkSeen(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markSeenLocked(id)
}

// HasSeen reports whether id has already been recorded, either by recovery
// or by a prior live emission. Intended to be passed to the emission path
// as a predicate function value, per spec §9 ("Cyclic references").
func (m *Manager) HasSeen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok
}

func (m *Manager) markSeenLocked(id string) {
	if _, ok := m.seen[id]; ok {
		return
	}
	m.seen[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > seenCapacity {
		m.compactLocked()
	}
}

func (m *Manager) compactLocked() {
	keep := m.order[len(m.order)-seenCompactedSize:]
	newSeen := make(map[string]struct{}, seenCompactedSize)
	newOrder := make([]string, len(keep))
	copy(newOrder, keep)
	for _, id := range keep {
		newSeen[id] = struct{}{}
	}
	m.seen = newSeen
	m.order = newOrder
}
