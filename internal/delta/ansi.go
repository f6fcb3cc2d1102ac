package delta

import "regexp"

// csiPattern matches the standard ANSI CSI escape family: ESC '[' followed
// by optional digit, ';' or '?' parameter bytes and a final byte in the documented
// range, per spec §4.3 ("ESC[ ... [0-9A-ORZcf-nqry=><]").
var csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[0-9A-ORZcf-nqry=><]`)

// oscPattern matches OSC sequences (ESC ']' ... terminated by BEL or ST).
var oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// miscEscapePattern matches the remaining single-character ESC sequences
// (cursor save/restore, character set selection) not covered by CSI/OSC.
var miscEscapePattern = regexp.MustCompile(`\x1b[()][AB012]|\x1b[=>cDME78]`)

// StripANSI removes ANSI CSI/OSC escape sequences from s, leaving plain
// text content suitable for classification and display.
func StripANSI(s string) string {
	s = oscPattern.ReplaceAllString(s, "")
	s = csiPattern.ReplaceAllString(s, "")
	s = miscEscapePattern.ReplaceAllString(s, "")
	return s
}
