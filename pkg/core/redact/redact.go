// Package redact scrubs credentials from any text that leaves the engine:
// sandbox stdout/stderr, clone diagnostics, structured error strings.
package redact

import (
	"regexp"
)

// Truncation caps for outbound text.
const (
	MaxToolOutput = 8000
	MaxCloneText  = 3000
)

const placeholder = "[REDACTED]"

type rule struct {
	pattern *regexp.Regexp
	// keepGroup preserves the first capture group (the label before the
	// secret) when replacing.
	keepGroup bool
}

// Ordered: embedded basic-auth first so the token portion is gone before
// the generic token= rule sees the line.
var rules = []rule{
	{pattern: regexp.MustCompile(`https://x-access-token:[^@\s]+@`)},
	{pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]+`)},
	{pattern: regexp.MustCompile(`lsv2_[A-Za-z0-9_]+`)},
	{pattern: regexp.MustCompile(`(?i)(authorization\s*:\s*bearer\s+)[^\s]+`), keepGroup: true},
	{pattern: regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)[^\s"']+`), keepGroup: true},
	{pattern: regexp.MustCompile(`(?i)(token\s*[=:]\s*)[^\s"']+`), keepGroup: true},
}

// Text applies every redaction rule and truncates to max bytes.
func Text(s string, max int) string {
	for _, r := range rules {
		if r.keepGroup {
			s = r.pattern.ReplaceAllString(s, "${1}"+placeholder)
		} else {
			s = r.pattern.ReplaceAllString(s, placeholder)
		}
	}
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}

// ToolOutput redacts and truncates sandbox tool output.
func ToolOutput(s string) string {
	return Text(s, MaxToolOutput)
}

// CloneText redacts and truncates clone diagnostics, which embed the
// remote URL and so get the tighter cap.
func CloneText(s string) string {
	return Text(s, MaxCloneText)
}
