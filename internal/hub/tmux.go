package hub

import (
	"fmt"
	"os/exec"
	"strings"
)

// paneTarget resolves a tmux pane_id (tmux's own "%N" identifier, the same
// string used as TerminalEvent.PaneID throughout this system — see the
// spec's `%0` example) to a pre-formatted "session:window.pane" target
// suitable for `tmux select-window`/`select-pane`. Adapted from the
// teacher's internal/monitor/tmux.go listTmuxPanes/parseTmuxPanes, which
// matched panes by shell PID via a /proc walk; here pane_id is already the
// tmux-native identifier, so no PID resolution is needed.
func paneTarget(paneID string) (string, bool) {
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return "", false
	}

	out, err := exec.Command(tmuxPath, "list-panes", "-a", "-F",
		"#{pane_id}\t#{session_name}\t#{window_index}\t#{pane_index}").Output()
	if err != nil {
		return "", false
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 || fields[0] != paneID {
			continue
		}
		return fmt.Sprintf("%s:%s.%s", fields[1], fields[2], fields[3]), true
	}
	return "", false
}

// focusPane switches tmux's active window/pane to target, matching the
// teacher's ws/server.go tmuxFocusSession exactly.
func focusPane(target string) error {
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}
	if err := exec.Command(tmuxPath, "select-window", "-t", target).Run(); err != nil {
		return fmt.Errorf("select-window: %w", err)
	}
	if err := exec.Command(tmuxPath, "select-pane", "-t", target).Run(); err != nil {
		return fmt.Errorf("select-pane: %w", err)
	}
	return nil
}
