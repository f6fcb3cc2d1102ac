// Package jsonltail implements the JSONL Tailer: it watches a directory of
// append-only `events-<paneId>.jsonl` files, tails each from its last byte
// offset, and normalizes newline-delimited JSON records into StreamEvents.
//
// The offset-tracking read loop is grounded directly on the teacher's
// internal/monitor/jsonl.go ParseSessionJSONL: a bufio.Reader reads
// complete (`\n`-terminated) lines only, holding back an incomplete
// trailing line for the next read without advancing the offset past it.
// The directory-level watch (fsnotify + debounce + dynamic watcher.Add for
// newly discovered files) is grounded on
// _examples/other_examples/2dfc8514_kylesnowschwartz-tail-claude__watcher.go.go.
package jsonltail

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/agent-racer/eventbackbone/internal/wire"
)

// TrackedFile is the Tailer's per-file bookkeeping, per spec §3.
type TrackedFile struct {
	Path       string
	PaneID     string
	ReadOffset int64
	SessionID  string
	Model      string
}

// EventFunc receives a normalized StreamEvent and the SessionMetadata
// snapshot current as of that event.
type EventFunc func(wire.StreamEvent, wire.SessionMetadata)

// SessionStartFunc is invoked the first time a pane's session is observed.
type SessionStartFunc func(paneID string, session wire.SessionMetadata)

// ErrorFunc receives parse/read errors tagged with the offending file path.
type ErrorFunc func(path string, err error)

// Tailer watches dir for files matching globSuffix (default
// "events-*.jsonl") and tails each.
type Tailer struct {
	dir        string
	globSuffix string

	onEvent        EventFunc
	onSessionStart SessionStartFunc
	onError        ErrorFunc

	mu       sync.Mutex
	files    map[string]*TrackedFile
	sessions map[string]*wire.SessionMetadata // keyed by pane id

	debounce time.Duration

	changeDir chan string
}

// New constructs a Tailer. globSuffix defaults to "events-*.jsonl".
func New(dir, globSuffix string, onEvent EventFunc, onSessionStart SessionStartFunc, onError ErrorFunc) *Tailer {
	if globSuffix == "" {
		globSuffix = "events-*.jsonl"
	}
	return &Tailer{
		dir:            dir,
		globSuffix:     globSuffix,
		onEvent:        onEvent,
		onSessionStart: onSessionStart,
		onError:        onError,
		files:          make(map[string]*TrackedFile),
		sessions:       make(map[string]*wire.SessionMetadata),
		debounce:       100 * time.Millisecond,
		changeDir:      make(chan string, 1),
	}
}

// SetDir applies a newly reloaded watch directory live, per SPEC_FULL.md
// §2's SIGHUP hot-reload of jsonl.dir. Takes effect on the watch loop's
// next iteration: the old directory's watch is dropped, all previously
// tracked files are forgotten, and dir is rescanned exactly as Start does
// on first launch.
func (t *Tailer) SetDir(dir string) {
	if dir == "" {
		return
	}
	select {
	case t.changeDir <- dir:
	default:
	}
}

// Start begins watching dir. It performs an initial scan for existing files
// (each registered at offset 0 and read to end, emitting the records it
// already holds, per spec §4.4) before the watch loop takes over.
func (t *Tailer) Start(ctx context.Context) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(t.dir); err != nil {
		fsw.Close()
		return err
	}

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		fsw.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !t.matches(entry.Name()) {
			continue
		}
		t.onFileAdded(filepath.Join(t.dir, entry.Name()))
	}

	go t.run(ctx, fsw)
	return nil
}

func (t *Tailer) matches(name string) bool {
	ok, _ := filepath.Match(t.globSuffix, name)
	return ok
}

func (t *Tailer) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	timers := make(map[string]*time.Timer)
	pending := make(chan string, 64)

	for {
		select {
		case <-ctx.Done():
			for _, tm := range timers {
				tm.Stop()
			}
			return

		case newDir := <-t.changeDir:
			for path, tm := range timers {
				tm.Stop()
				delete(timers, path)
			}
			if err := t.switchDir(fsw, newDir); err != nil {
				if t.onError != nil {
					t.onError(newDir, err)
				}
			}

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !t.matches(filepath.Base(event.Name)) {
				continue
			}
			path := event.Name

			if event.Op&fsnotify.Create != 0 {
				t.onFileAdded(path)
				continue
			}
			if event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0 {
				t.onFileRemoved(path)
				continue
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}

			if tm, ok := timers[path]; ok {
				tm.Reset(t.debounce)
			} else {
				timers[path] = time.AfterFunc(t.debounce, func() {
					select {
					case pending <- path:
					default:
					}
				})
			}

		case path := <-pending:
			t.readChanges(path)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[jsonl-tailer] fsnotify error: %v", err)
		}
	}
}

// switchDir drops the fsnotify watch on the current directory, forgets
// every tracked file, and rescans newDir exactly as Start does on first
// launch.
func (t *Tailer) switchDir(fsw *fsnotify.Watcher, newDir string) error {
	_ = fsw.Remove(t.dir)

	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return err
	}
	if err := fsw.Add(newDir); err != nil {
		return err
	}

	t.mu.Lock()
	t.dir = newDir
	t.files = make(map[string]*TrackedFile)
	t.mu.Unlock()

	entries, err := os.ReadDir(newDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !t.matches(entry.Name()) {
			continue
		}
		t.onFileAdded(filepath.Join(newDir, entry.Name()))
	}
	return nil
}

func paneIDFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".jsonl")
	return strings.TrimPrefix(name, "events-")
}

func (t *Tailer) onFileAdded(path string) {
	t.mu.Lock()
	if _, ok := t.files[path]; ok {
		t.mu.Unlock()
		return
	}
	tf := &TrackedFile{Path: path, PaneID: paneIDFromPath(path)}
	t.files[path] = tf
	t.mu.Unlock()

	// Read from offset 0 to end, emitting every complete record already in
	// the file, per spec §4.4 ("on add, register ... and read to end").
	t.readChanges(path)
}

func (t *Tailer) onFileRemoved(path string) {
	t.mu.Lock()
	delete(t.files, path)
	t.mu.Unlock()
}

func (t *Tailer) readChanges(path string) {
	t.mu.Lock()
	tf, ok := t.files[path]
	t.mu.Unlock()
	if !ok {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if t.onError != nil {
			t.onError(path, err)
		}
		return
	}
	defer f.Close()

	if tf.ReadOffset > 0 {
		if _, err := f.Seek(tf.ReadOffset, io.SeekStart); err != nil {
			if t.onError != nil {
				t.onError(path, err)
			}
			return
		}
	}

	reader := bufio.NewReader(f)
	parsedOffset := tf.ReadOffset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			if t.onError != nil {
				t.onError(path, err)
			}
			break
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line: leave it for the next read, do not
			// advance the offset past it.
			break
		}

		lineData := line[:len(line)-1]
		parsedOffset += int64(len(line))

		if len(strings.TrimSpace(string(lineData))) == 0 {
			if err == io.EOF {
				break
			}
			continue
		}

		var rec record
		if jsonErr := json.Unmarshal(lineData, &rec); jsonErr != nil {
			if t.onError != nil {
				t.onError(path, jsonErr)
			}
			if err == io.EOF {
				break
			}
			continue
		}

		t.handleRecord(tf, rec)

		if err == io.EOF {
			break
		}
	}

	t.mu.Lock()
	tf.ReadOffset = parsedOffset
	t.mu.Unlock()
}

func (t *Tailer) handleRecord(tf *TrackedFile, rec record) {
	t.mu.Lock()
	session, existed := t.sessions[tf.PaneID]
	if !existed {
		session = &wire.SessionMetadata{PaneID: tf.PaneID, StartedAt: time.Now().UTC()}
		t.sessions[tf.PaneID] = session
	}
	t.mu.Unlock()

	ev, handled := normalize(rec, tf.PaneID, session)
	if !handled {
		if !existed {
			// Drop the placeholder so the pane's first handled record is
			// still treated as first sight and announced.
			t.mu.Lock()
			delete(t.sessions, tf.PaneID)
			t.mu.Unlock()
		}
		return
	}

	t.mu.Lock()
	if ev.SessionID != "" && session.SessionID == "" {
		session.SessionID = ev.SessionID
		tf.SessionID = ev.SessionID
	}
	if ev.Model != "" {
		session.Model = ev.Model
		tf.Model = ev.Model
	}
	sessionCopy := *session
	isFirstSight := !existed
	t.mu.Unlock()

	if isFirstSight && t.onSessionStart != nil {
		t.onSessionStart(tf.PaneID, sessionCopy)
	}
	if t.onEvent != nil {
		t.onEvent(ev, sessionCopy)
	}
}

// Tracked returns a snapshot of every file currently tracked, for
// diagnostics and tests.
func (t *Tailer) Tracked() []TrackedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedFile, 0, len(t.files))
	for _, tf := range t.files {
		out = append(out, *tf)
	}
	return out
}
