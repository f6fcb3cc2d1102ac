package delta

import (
	"regexp"
	"strings"

	"github.com/agent-racer/eventbackbone/internal/wire"
)

// Classification patterns are evaluated in priority order per line,
// case-insensitively, per spec §4.3: error, then question, then status,
// else output.
var (
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^error:`),
		regexp.MustCompile(`(?i)^fatal:`),
		regexp.MustCompile(`(?i)exception:`),
		regexp.MustCompile(`(?i)failed:`),
		regexp.MustCompile(`(?i)\berror\b.*:`),
		regexp.MustCompile(`(?i)panic:`),
		regexp.MustCompile(`(?i)traceback`),
	}

	askUserQuestionPattern = regexp.MustCompile(`☐.*Enter to select`)
	questionPatterns       = []*regexp.Regexp{
		askUserQuestionPattern,
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)\(y/n\)`),
		regexp.MustCompile(`\[y/N\]`),
		regexp.MustCompile(`\[Y/n\]`),
		regexp.MustCompile(`(?i)press enter`),
		regexp.MustCompile(`(?i)continue\?`),
		regexp.MustCompile(`(?i)proceed\?`),
		regexp.MustCompile(`(?i)confirm`),
	}

	emptyPromptPattern = regexp.MustCompile(`^\s*[$>]\s*$`)
	statusPatterns     = []*regexp.Regexp{
		regexp.MustCompile(`(?i)done\.\s*$`),
		regexp.MustCompile(`(?i)completed\s*$`),
		regexp.MustCompile(`(?i)finished\s*$`),
		regexp.MustCompile(`(?i)build (done|completed|finished)\s*$`),
	}
)

// Classify applies the priority-ordered classification rules from spec
// §4.3, per-line, first match wins across the whole delta. Classify always
// strips ANSI escapes before matching, so classify(stripAnsi(x)) and
// classify(x) agree for any x — stripping is idempotent, and running it
// twice is harmless.
func Classify(content string) wire.EventKind {
	lines := strings.Split(StripANSI(content), "\n")

	for _, line := range lines {
		for _, p := range errorPatterns {
			if p.MatchString(line) {
				return wire.KindError
			}
		}
	}
	for _, line := range lines {
		for _, p := range questionPatterns {
			if p.MatchString(line) {
				return wire.KindQuestion
			}
		}
	}
	for _, line := range lines {
		if emptyPromptPattern.MatchString(line) {
			return wire.KindStatus
		}
		for _, p := range statusPatterns {
			if p.MatchString(line) {
				return wire.KindStatus
			}
		}
	}
	return wire.KindOutput
}
