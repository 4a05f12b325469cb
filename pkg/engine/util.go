package engine

import "strings"

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// lastNonEmpty trims s and substitutes a stable marker when nothing is left.
func lastNonEmpty(s string) string {
	t := strings.TrimSpace(s)
	if t == "" {
		return "no diagnostic output"
	}
	return t
}
