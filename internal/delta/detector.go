// Package delta implements the Delta Detector: it converts successive raw
// terminal snapshots into a deduplicated, classified, ANSI-stripped
// sequence of wire.TerminalEvents.
//
// No direct teacher equivalent exists (the teacher parses structured JSONL,
// not raw terminal screens); the extraction state machine and dedup
// bookkeeping below are grounded on the teacher's careful field-by-field
// string parsing idiom in internal/monitor/tmux.go and the snapshot/offset
// tracking discipline in internal/monitor/jsonl.go, adapted to whole-screen
// diffing per spec §4.3.
package delta

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

const (
	dedupCapacityDefault = 1000
	dedupCompactedSize   = 500
)

// PaneState is the Detector's per-pane bookkeeping, per spec §3.
type PaneState struct {
	lastSnapshot         string
	lastSnapshotHash     uint32
	lastLineCount        int
	processedDeltaHashes map[uint32]struct{}
	hashOrder            []uint32
}

func newPaneState() *PaneState {
	return &PaneState{processedDeltaHashes: make(map[uint32]struct{})}
}

// Detector holds per-pane state and the project id attached to emitted
// events. The Terminal Poller fetches and processes panes in parallel
// within a single tick (internal/poller/poller.go's per-pane goroutines), and
// the State Watcher calls RemovePane from its own goroutine, so panes is
// guarded by mu — the same plain-mutex pattern internal/poller/poller.go and
// internal/jsonltail/tailer.go already use for their own shared maps.
type Detector struct {
	projectID     string
	dedupCapacity int

	mu    sync.Mutex
	panes map[string]*PaneState
}

// New constructs a Detector. dedupCapacity falls back to 1000 when <= 0.
func New(projectID string, dedupCapacity int) *Detector {
	if dedupCapacity <= 0 {
		dedupCapacity = dedupCapacityDefault
	}
	return &Detector{
		projectID:     projectID,
		dedupCapacity: dedupCapacity,
		panes:         make(map[string]*PaneState),
	}
}

// RemovePane drops a pane's state, called when the State Watcher reports it
// removed.
func (d *Detector) RemovePane(paneID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.panes, paneID)
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Process consumes a new raw snapshot for paneID at timestamp ts and returns
// zero or more classified TerminalEvents, applying delta extraction, ANSI
// stripping, classification, and deduplication per spec §4.3.
func (d *Detector) Process(paneID, snapshot string, ts time.Time) []wire.TerminalEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.panes[paneID]
	if !ok {
		state = newPaneState()
		d.panes[paneID] = state
	}

	snapshotHash := hashString(snapshot)
	if snapshotHash == state.lastSnapshotHash && state.lastSnapshot != "" {
		return nil // byte-identical re-fetch; suppressed entirely
	}

	rawDelta := extractDelta(state.lastSnapshot, snapshot)

	state.lastSnapshot = snapshot
	state.lastSnapshotHash = snapshotHash
	state.lastLineCount = len(strings.Split(snapshot, "\n"))

	if strings.TrimSpace(rawDelta) == "" {
		return nil
	}

	stripped := StripANSI(rawDelta)
	if strings.TrimSpace(stripped) == "" {
		return nil
	}

	deltaHash := hashString(stripped)
	if _, seen := state.processedDeltaHashes[deltaHash]; seen {
		return nil
	}
	markDeltaHash(state, deltaHash, d.dedupCapacity)

	kind := Classify(stripped)
	ev := wire.TerminalEvent{
		ID:        generateEventID(ts),
		ProjectID: d.projectID,
		PaneID:    paneID,
		Kind:      kind,
		Content:   strings.TrimSpace(stripped),
		Timestamp: ts,
	}
	if kind == wire.KindQuestion {
		if qm, ok := ParseAskUserQuestion(stripped); ok && qm.Valid() {
			ev.QuestionMetadata = qm
		}
	}

	return []wire.TerminalEvent{ev}
}

func markDeltaHash(state *PaneState, h uint32, capacity int) {
	state.processedDeltaHashes[h] = struct{}{}
	state.hashOrder = append(state.hashOrder, h)
	if len(state.hashOrder) > capacity {
		compact := dedupCompactedSize
		if compact > capacity {
			compact = capacity / 2
		}
		keep := state.hashOrder[len(state.hashOrder)-compact:]
		newSet := make(map[uint32]struct{}, compact)
		newOrder := make([]uint32, len(keep))
		copy(newOrder, keep)
		for _, kh := range keep {
			newSet[kh] = struct{}{}
		}
		state.processedDeltaHashes = newSet
		state.hashOrder = newOrder
	}
}

// extractDelta implements the six-step algorithm from spec §4.3.
func extractDelta(prev, next string) string {
	if prev == "" {
		return next
	}

	prevLines := strings.Split(prev, "\n")
	nextLines := strings.Split(next, "\n")

	// Step 2: screen clear heuristic.
	if float64(len(nextLines)) < 0.5*float64(len(prevLines)) {
		return next
	}

	if len(nextLines) == len(prevLines) {
		n := len(nextLines)
		allButLastEqual := true
		for i := 0; i < n-1; i++ {
			if nextLines[i] != prevLines[i] {
				allButLastEqual = false
				break
			}
		}
		if allButLastEqual {
			prevLast := prevLines[n-1]
			nextLast := nextLines[n-1]
			if strings.HasPrefix(nextLast, prevLast) {
				// Step 3: streaming/progress-bar case — emit only the
				// appended suffix of the last line.
				return nextLast[len(prevLast):]
			}
			// Step 4: last line changed outright.
			return nextLast
		}
	}

	// Step 5: longest equal prefix, emit the suffix from first divergence.
	minLen := len(prevLines)
	if len(nextLines) < minLen {
		minLen = len(nextLines)
	}
	divergeAt := 0
	for divergeAt < minLen && prevLines[divergeAt] == nextLines[divergeAt] {
		divergeAt++
	}
	if divergeAt < len(nextLines) {
		return strings.Join(nextLines[divergeAt:], "\n")
	}

	// Step 6: fallback.
	if len(nextLines) == 0 {
		return ""
	}
	return nextLines[len(nextLines)-1]
}

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

func toBase36(n int64) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{base36Digits[n%36]}, b...)
		n /= 36
	}
	return string(b)
}

// generateEventID produces an id of the form evt_<base36 millis>_<6 random
// base36 chars>, per spec §4.3.
func generateEventID(ts time.Time) string {
	millis := ts.UnixMilli()
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = base36Digits[rand.Intn(36)]
	}
	return "evt_" + toBase36(millis) + "_" + string(suffix)
}
