package parser

import "regexp"

// ansiEscapeRegex matches ANSI escape sequences for stripping.
// Covers CSI sequences (including private-mode ? and cursor movement) and
// OSC sequences (title setting etc). Plain bracketed text such as
// "[Agent Relay]" has no ESC prefix and is left alone.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\a\x1b]*(\a|\x1b\\)|\x1b[()][0-9A-Za-z]|\x1b[=>]`)

// StripANSI removes ANSI escape sequences from a string.
func StripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}
