package poller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// writeFakeCLI writes an executable shell script that prints the content of
// <dir>/<paneId>.out if present, or exits non-zero if <dir>/<paneId>.fail
// exists. This stands in for the external terminal-reader CLI contract
// described in spec §6 ("terminal-read -p <paneId>").
func writeFakeCLI(t *testing.T, dir string) string {
	t.Helper()
	script := filepath.Join(dir, "terminal-read")
	contents := `#!/bin/sh
pane="$2"
if [ -f "` + dir + `/$pane.fail" ]; then
  exit 1
fi
cat "` + dir + `/$pane.out" 2>/dev/null
exit 0
`
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return script
}

func setPaneOutput(t *testing.T, dir, paneID, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, paneID+".out"), []byte(content), 0o644); err != nil {
		t.Fatalf("set pane output: %v", err)
	}
}

func setPaneFailing(t *testing.T, dir, paneID string, failing bool) {
	t.Helper()
	path := filepath.Join(dir, paneID+".fail")
	if failing {
		os.WriteFile(path, nil, 0o644)
	} else {
		os.Remove(path)
	}
}

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func waitForCount(t *testing.T, r *snapshotRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d snapshots, got %d", n, r.count())
}

func TestPollerEmitsOnlyOnChange(t *testing.T) {
	dir := t.TempDir()
	cli := writeFakeCLI(t, dir)
	setPaneOutput(t, dir, "p1", "hello\n")

	rec := &snapshotRecorder{}
	p := New(Config{TickInterval: 20 * time.Millisecond, CLIPath: cli}, rec.record)
	p.AddSource("p1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	waitForCount(t, rec, 1)
	time.Sleep(80 * time.Millisecond) // several more ticks with unchanged content
	if rec.count() != 1 {
		t.Fatalf("expected exactly 1 snapshot for unchanged content, got %d", rec.count())
	}

	setPaneOutput(t, dir, "p1", "hello\nworld\n")
	waitForCount(t, rec, 2)
}

func TestPollerBackoffOnFailure(t *testing.T) {
	dir := t.TempDir()
	cli := writeFakeCLI(t, dir)
	setPaneFailing(t, dir, "p1", true)

	rec := &snapshotRecorder{}
	p := New(Config{TickInterval: 10 * time.Millisecond, CLIPath: cli, BackoffBase: 50 * time.Millisecond, BackoffMax: 200 * time.Millisecond}, rec.record)
	p.AddSource("p1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	time.Sleep(60 * time.Millisecond)

	p.mu.Lock()
	src := p.sources["p1"]
	errs := src.consecutiveErrors
	p.mu.Unlock()

	if errs == 0 {
		t.Fatalf("expected consecutive errors to be recorded")
	}
}

func TestAddSourceIdempotent(t *testing.T) {
	p := New(Config{}, nil)
	p.AddSource("p1", "first")
	p.AddSource("p1", "second")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources["p1"].Title != "first" {
		t.Fatalf("expected idempotent add to keep original title, got %q", p.sources["p1"].Title)
	}
}

func TestRemoveSourceDropsTracking(t *testing.T) {
	p := New(Config{}, nil)
	p.AddSource("p1", "")
	p.RemoveSource("p1")

	tracked := p.Tracked()
	if len(tracked) != 0 {
		t.Fatalf("expected no tracked sources after remove, got %v", tracked)
	}
}
