package delta

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

var (
	headerLinePattern = regexp.MustCompile(`^\s*☐\s*(.+?)\s*$`)
	optionLinePattern = regexp.MustCompile(`^\s*(?:❯\s*)?(\d+)\.\s*(.+?)\s*$`)
	questionLinePattern = regexp.MustCompile(`\?\s*$`)
	separatorLinePattern = regexp.MustCompile(`^\s*[-=]{2,}\s*$`)
)

// ParseAskUserQuestion attempts the structured parse described in spec
// §4.3: find the `☐ <header>` line, then consecutive numbered option lines
// with optional indented description continuations, joined by single
// spaces. Succeeds only if a header and at least one option are recovered.
func ParseAskUserQuestion(content string) (*wire.QuestionMetadata, bool) {
	lines := strings.Split(content, "\n")

	headerIdx := -1
	var header string
	for i, line := range lines {
		if m := headerLinePattern.FindStringSubmatch(line); m != nil {
			headerIdx = i
			header = m[1]
			break
		}
	}
	if headerIdx == -1 {
		return nil, false
	}

	var question string
	for _, line := range lines[headerIdx+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if questionLinePattern.MatchString(trimmed) && optionLinePattern.FindStringSubmatch(trimmed) == nil {
			question = trimmed
			break
		}
		if optionLinePattern.MatchString(trimmed) {
			break // options start before any '?' line was found
		}
	}

	var options []wire.QuestionOption
	var current *wire.QuestionOption

	flush := func() {
		if current != nil {
			options = append(options, *current)
			current = nil
		}
	}

	for _, line := range lines[headerIdx+1:] {
		if m := optionLinePattern.FindStringSubmatch(line); m != nil {
			flush()
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			current = &wire.QuestionOption{Number: n, Label: m[2]}
			continue
		}
		if current == nil {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || separatorLinePattern.MatchString(trimmed) {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			continue // not an indented continuation line
		}
		if current.Description == "" {
			current.Description = trimmed
		} else {
			current.Description += " " + trimmed
		}
	}
	flush()

	if header == "" || len(options) == 0 {
		return nil, false
	}

	return &wire.QuestionMetadata{Header: header, Question: question, Options: options}, true
}

// RenderAskUserQuestion renders q back into the textual form
// ParseAskUserQuestion expects, for round-trip testing and for
// reconstructing a human-readable content string when needed.
func RenderAskUserQuestion(q wire.QuestionMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "☐ %s\n", q.Header)
	if q.Question != "" {
		fmt.Fprintf(&b, "%s\n", q.Question)
	}
	for _, opt := range q.Options {
		fmt.Fprintf(&b, "%d. %s\n", opt.Number, opt.Label)
		if opt.Description != "" {
			fmt.Fprintf(&b, "   %s\n", opt.Description)
		}
	}
	return b.String()
}
