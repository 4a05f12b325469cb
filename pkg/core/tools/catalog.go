package tools

import (
	"fmt"
	"time"
)

// Canonical exit codes carried in tool envelopes.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitTimeout         = 124
	ExitExecutorMissing = 127
)

// DefaultToolTimeout bounds a single tool run.
const DefaultToolTimeout = 60 * time.Second

// DefaultToolImage hosts the in-container tool scripts.
const DefaultToolImage = "python:3.11-alpine"

// Spec describes one catalog tool.
type Spec struct {
	Name    string
	Image   string
	Command []string
	Timeout time.Duration
}

// categoryByTool infers a category when a finding omits one.
var categoryByTool = map[string]string{
	"access_path_scan":     "A01:2021-Broken Access Control",
	"policy_gap_scan":      "A01:2021-Broken Access Control",
	"crypto_key_scan":      "A02:2021-Cryptographic Failures",
	"config_entropy_check": "A02:2021-Cryptographic Failures",
	"ast_deep_scan":        "A03:2021-Injection",
	"regex_injection":      "A03:2021-Injection",
	"taint_sim":            "A03:2021-Injection",
}

const fallbackCategory = "A04:2021-Insecure Design"

// highSeverityTools get a high default severity; everything else medium.
var highSeverityTools = map[string]bool{
	"taint_sim":        true,
	"crypto_key_scan":  true,
	"access_path_scan": true,
}

// CategoryForTool returns the inferred category for a tool's findings.
func CategoryForTool(tool string) string {
	if c, ok := categoryByTool[tool]; ok {
		return c
	}
	return fallbackCategory
}

// SeverityForTool returns the inferred severity for a tool's findings.
func SeverityForTool(tool string) string {
	if highSeverityTools[tool] {
		return "high"
	}
	return "medium"
}

// scanScript walks the mounted workspace, applies line regexes, and prints
// the strict JSON envelope on the last stdout line.
const scanScript = `
import os, re, json
pats = %s
fs = []
for root, _, files in os.walk('/workspace'):
    for fn in files:
        p = os.path.join(root, fn)
        try:
            txt = open(p, encoding='utf-8', errors='ignore').read()
        except Exception:
            continue
        rel = os.path.relpath(p, '/workspace')
        for i, line in enumerate(txt.splitlines(), 1):
            for rx, title, sev in pats:
                if re.search(rx, line):
                    fs.append({
                        'title': title,
                        'severity': sev,
                        'evidence': '%%s:%%d' %% (rel, i),
                    })
print(json.dumps({'findings': fs[:200], 'summary': {'count': len(fs)}}))
`

func scriptFor(patterns string) []string {
	return []string{"python", "-c", fmt.Sprintf(scanScript, patterns)}
}

// Catalog returns the built-in tool battery. Rule sets live in-container;
// the engine only depends on the JSON contract.
func Catalog(image string) map[string]Spec {
	if image == "" {
		image = DefaultToolImage
	}
	specs := map[string]string{
		"access_path_scan": `[
  (r'chmod\s+0?777', 'World-writable permission change', 'high'),
  (r'Access-Control-Allow-Origin.\s*\*', 'Wildcard CORS origin', 'medium'),
  (r'@(app|router)\.route', 'Route handler without access guard', 'medium'),
]`,
		"policy_gap_scan": `[
  (r'verify\s*=\s*False', 'TLS verification disabled', 'high'),
  (r'ALLOW_ALL', 'Allow-all policy marker', 'medium'),
  (r'csrf_exempt', 'CSRF protection exempted', 'medium'),
]`,
		"crypto_key_scan": `[
  (r'-----BEGIN (RSA |EC )?PRIVATE KEY-----', 'Private key material in repository', 'critical'),
  (r'\bmd5\s*\(', 'Weak hash algorithm md5', 'medium'),
  (r'\bDES\b', 'Weak cipher DES referenced', 'medium'),
]`,
		"config_entropy_check": `[
  (r'[=:]\s*["\'][A-Za-z0-9+/]{40,}={0,2}["\']', 'High-entropy literal in configuration', 'medium'),
]`,
		"ast_deep_scan": `[
  (r'\beval\s*\(', 'Dynamic evaluation of expressions', 'high'),
  (r'\bexec\s*\(', 'Dynamic execution of code', 'high'),
  (r'pickle\.loads', 'Unsafe deserialization via pickle', 'high'),
]`,
		"regex_injection": `[
  (r'execute\s*\(.*%', 'SQL built by string interpolation', 'high'),
  (r'f["\']\s*SELECT', 'SQL built by f-string', 'high'),
  (r'os\.system\s*\(', 'Shell command from string', 'medium'),
]`,
		"taint_sim": `[
  (r'request\.(args|form|json)', 'Request data used without sanitization', 'medium'),
  (r'subprocess\..*shell\s*=\s*True', 'Shell-enabled subprocess call', 'high'),
]`,
		"generic_pattern_scan": `[
  (r'password\s*=\s*["\'][^"\']+["\']', 'Hardcoded password literal', 'high'),
  (r'secret\s*=\s*["\'][^"\']+["\']', 'Hardcoded secret literal', 'high'),
  (r'http://', 'Insecure transport URL', 'medium'),
]`,
	}

	out := make(map[string]Spec, len(specs))
	for name, patterns := range specs {
		out[name] = Spec{
			Name:    name,
			Image:   image,
			Command: scriptFor(patterns),
			Timeout: DefaultToolTimeout,
		}
	}
	return out
}
