// Package statewatcher implements the State Watcher: it follows an external
// JSON state document and emits added/removed pane-id diffs whenever the
// active pane set changes.
//
// The implementation is grounded on
// _examples/other_examples/2dfc8514_kylesnowschwartz-tail-claude__watcher.go.go:
// a single owning goroutine holds all mutable state, fsnotify callbacks only
// arm a debounce timer (never touch shared state directly), and the timer
// fires a re-read on the owning goroutine via a buffered signal channel.
package statewatcher

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce    = 100 * time.Millisecond
	defaultQuietWindow = 50 * time.Millisecond
)

// ChangeFunc is invoked with the panes added and removed since the last
// observed state. It is called on the watcher's own goroutine; callers that
// need to do slow work should hand off asynchronously.
type ChangeFunc func(added, removed []string)

type stateDoc struct {
	CurrentSession struct {
		CurrentAgent struct {
			PaneID *string `json:"pane_id"`
		} `json:"current_agent"`
	} `json:"current_session"`
	Panes []string `json:"panes"`
}

// Watcher watches a single JSON document for pane-membership changes.
type Watcher struct {
	path         string
	debounce     time.Duration
	quietWindow  time.Duration
	onChange     ChangeFunc

	mu      sync.Mutex // guards current (read by tests / diagnostics only)
	current map[string]struct{}

	signal chan struct{} // capacity 1; re-read requests, coalesced
	done   chan struct{}
}

// New constructs a Watcher for the document at path. debounce and
// quietWindow fall back to the spec defaults (100ms/50ms) when zero.
func New(path string, debounce, quietWindow time.Duration, onChange ChangeFunc) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if quietWindow <= 0 {
		quietWindow = defaultQuietWindow
	}
	return &Watcher{
		path:        path,
		debounce:    debounce,
		quietWindow: quietWindow,
		onChange:    onChange,
		current:     make(map[string]struct{}),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start begins watching. It queues the initial read and returns; that read
// and the watch loop run on their own goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := parentDir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	w.requestRead()

	go w.run(ctx, fsw)
	return nil
}

// Stop blocks until the watch loop has exited. It does not stop the loop
// itself; the loop exits when the ctx passed to Start is cancelled.
func (w *Watcher) Stop() {
	<-w.done
}

func (w *Watcher) requestRead() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isRelevant(event, w.path) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(w.debounce, w.requestRead)
			} else {
				debounceTimer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[state-watcher] fsnotify error: %v", err)

		case <-w.signal:
			// quiet window lets a burst of writes (editors truncate-then-write)
			// settle before reading.
			time.Sleep(w.quietWindow)
			w.reconcile()
		}
	}
}

func isRelevant(event fsnotify.Event, path string) bool {
	if event.Name != path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) reconcile() {
	next, err := w.readPaneSet()
	if err != nil {
		if os.IsNotExist(err) {
			next = map[string]struct{}{} // file removed -> empty set
		} else {
			log.Printf("[state-watcher] read %s: %v", w.path, err)
			return // malformed JSON or other read error: leave state unchanged
		}
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	added, removed := diff(prev, next)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	if w.onChange != nil {
		w.onChange(added, removed)
	}
}

func (w *Watcher) readPaneSet() (map[string]struct{}, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}

	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errMalformed
	}

	set := make(map[string]struct{}, len(doc.Panes)+1)
	if doc.CurrentSession.CurrentAgent.PaneID != nil && *doc.CurrentSession.CurrentAgent.PaneID != "" {
		set[*doc.CurrentSession.CurrentAgent.PaneID] = struct{}{}
	}
	for _, p := range doc.Panes {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set, nil
}

// errMalformed is a sentinel distinguishing "parse failed, state unchanged"
// from "file missing, state now empty" in reconcile.
var errMalformed = &malformedError{}

type malformedError struct{}

func (*malformedError) Error() string { return "malformed state document" }

func diff(prev, next map[string]struct{}) (added, removed []string) {
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// Current returns a snapshot of the currently observed pane-id set.
func (w *Watcher) Current() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.current))
	for id := range w.current {
		out = append(out, id)
	}
	return out
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
