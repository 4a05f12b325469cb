package engine

import "strings"

// DefaultCategory is where findings land when no hint matches.
const DefaultCategory = "A04:2021-Insecure Design"

// owaspHintMap maps scanner category hints onto OWASP Top 10 2021 names.
var owaspHintMap = map[string]string{
	"injection":                 "A03:2021-Injection",
	"broken_access_control":     "A01:2021-Broken Access Control",
	"cryptographic_failures":    "A02:2021-Cryptographic Failures",
	"security_misconfiguration": "A05:2021-Security Misconfiguration",
	"vulnerable_components":     "A06:2021-Vulnerable and Outdated Components",
	"insecure_transport":        "A04:2021-Insecure Design",
}

// CategoryForHint resolves a scanner hint to its taxonomy category.
func CategoryForHint(hint string) string {
	if c, ok := owaspHintMap[hint]; ok {
		return c
	}
	return DefaultCategory
}

// OwaspID extracts the short id (A03) from a full category name.
func OwaspID(category string) string {
	if i := strings.Index(category, ":"); i > 0 && strings.HasPrefix(category, "A") {
		return category[:i]
	}
	if strings.HasPrefix(category, "A") && len(category) == 3 {
		return category
	}
	return "A00"
}

// severityWeights drive base scoring and the risk profile rollup.
var severityWeights = map[string]float64{
	"critical": 1.0,
	"high":     0.75,
	"medium":   0.5,
	"low":      0.25,
	"info":     0.1,
}

const unknownSeverityWeight = 0.25

// SeverityWeight returns the scoring weight for a severity label.
func SeverityWeight(severity string) float64 {
	if w, ok := severityWeights[strings.ToLower(severity)]; ok {
		return w
	}
	return unknownSeverityWeight
}

// correlationWeights transfer a fraction of a source category's base score
// to a related target category.
var correlationWeights = map[string]map[string]float64{
	"A01:2021-Broken Access Control": {
		"A05:2021-Security Misconfiguration": 0.15,
	},
	"A02:2021-Cryptographic Failures": {
		"A05:2021-Security Misconfiguration": 0.10,
	},
	"A03:2021-Injection": {
		"A05:2021-Security Misconfiguration": 0.20,
	},
	"A05:2021-Security Misconfiguration": {
		"A01:2021-Broken Access Control": 0.10,
		"A03:2021-Injection":             0.10,
	},
	"A06:2021-Vulnerable and Outdated Components": {
		"A05:2021-Security Misconfiguration": 0.15,
	},
}

// categoryToolCatalog maps a category's short id to its tool battery.
var categoryToolCatalog = map[string][]string{
	"A01": {"access_path_scan", "policy_gap_scan"},
	"A02": {"crypto_key_scan", "config_entropy_check"},
	"A03": {"ast_deep_scan", "regex_injection", "taint_sim"},
}

var defaultToolBattery = []string{"generic_pattern_scan"}

// toolWeights order a category's battery, heaviest first.
var toolWeights = map[string]int{
	"taint_sim":            100,
	"ast_deep_scan":        90,
	"crypto_key_scan":      85,
	"regex_injection":      80,
	"access_path_scan":     75,
	"config_entropy_check": 70,
	"policy_gap_scan":      65,
	"generic_pattern_scan": 50,
}

// ToolsForCategory returns the battery for a category, copied so callers
// can reorder freely.
func ToolsForCategory(category string) []string {
	if battery, ok := categoryToolCatalog[OwaspID(category)]; ok {
		return append([]string(nil), battery...)
	}
	return append([]string(nil), defaultToolBattery...)
}
