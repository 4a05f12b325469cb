package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
)

// Analysis stage markers used for routing inside the subgraph.
const (
	StagePlanned              = "planned"
	StageAggregated           = "signals_aggregated"
	StageAggregatedAfterRscan = "signals_aggregated_after_rescan"
	StageReflected            = "reflected"
	StageRescanned            = "rescanned"
	StageOwaspMapped          = "owasp_mapped"
)

// requiredScanners is the coverage contract the reflector enforces.
var requiredScanners = map[string]string{
	"ast_scanner":        "ast",
	"regex_scanner":      "regex",
	"dependency_scanner": "dependency",
	"config_scanner":     "config",
}

// scannerScript is the shared in-container scaffold; each scanner fills in
// its pattern table and file filter.
const scannerScript = `
import os, re, json
pats = %s
def keep(fn):
    %s
fs = []
for root, dirs, files in os.walk('/workspace'):
    dirs[:] = [d for d in dirs if d != '.git']
    for fn in files:
        if not keep(fn):
            continue
        p = os.path.join(root, fn)
        try:
            txt = open(p, encoding='utf-8', errors='ignore').read()
        except Exception:
            continue
        rel = os.path.relpath(p, '/workspace')
        for i, line in enumerate(txt.splitlines(), 1):
            for rx, typ, sev, hint in pats:
                if re.search(rx, line):
                    fs.append({
                        'type': typ,
                        'severity': sev,
                        'file': rel,
                        'line': i,
                        'message': typ.replace('_', ' '),
                        'evidence': line.strip()[:200],
                        'category_hint': hint,
                    })
print(json.dumps({'findings': fs[:500], 'summary': {'count': len(fs)}}))
`

var scannerRules = map[string]struct {
	patterns string
	filter   string
}{
	"regex_scanner": {
		patterns: `[
  (r'AKIA[0-9A-Z]{16}', 'potential_aws_key', 'high', 'security_misconfiguration'),
  (r'password\s*=', 'hardcoded_password', 'high', 'broken_access_control'),
  (r'http://', 'insecure_transport', 'medium', 'cryptographic_failures'),
]`,
		filter: `return True`,
	},
	"ast_scanner": {
		patterns: `[
  (r'\beval\s*\(', 'dynamic_execution', 'high', 'injection'),
  (r'\bexec\s*\(', 'dynamic_execution', 'high', 'injection'),
]`,
		filter: `return fn.endswith('.py')`,
	},
	"dependency_scanner": {
		patterns: `[
  (r'django==1\.', 'outdated_dependency', 'high', 'vulnerable_components'),
  (r'flask==0\.', 'outdated_dependency', 'high', 'vulnerable_components'),
]`,
		filter: `return fn in ('requirements.txt', 'pyproject.toml')`,
	},
	"config_scanner": {
		patterns: `[
  (r'DEBUG\s*=\s*[Tt]rue', 'debug_mode_enabled', 'medium', 'security_misconfiguration'),
]`,
		filter: `return fn in ('.env', 'config.yaml', 'config.yml', 'settings.json', 'docker-compose.yml')`,
	},
}

// plannerScript inventories the workspace for the analysis plan.
const plannerScript = `
import os, json
has_python = False
deps = set()
cfgs = set()
for root, dirs, files in os.walk('/workspace'):
    dirs[:] = [d for d in dirs if d != '.git']
    for fn in files:
        if fn.endswith('.py'):
            has_python = True
        if fn in ('requirements.txt', 'pyproject.toml', 'poetry.lock'):
            deps.add(fn)
        if fn in ('.env', 'config.yml', 'config.yaml', 'settings.json'):
            cfgs.add(fn)
print(json.dumps({'has_python': has_python, 'dependency_manifests': sorted(deps), 'config_files': sorted(cfgs)}))
`

// PlanAnalysis inspects the workspace and records the plan. The plan is
// advisory telemetry: every scanner still runs.
func (e *Engine) PlanAnalysis(ctx context.Context, s scan.State) (scan.State, error) {
	plan := map[string]any{
		"run_ast_scanner":        true,
		"run_regex_scanner":      true,
		"run_dependency_scanner": true,
		"run_config_scanner":     true,
		"dependency_manifests":   []any{},
		"config_files":           []any{},
	}

	res, err := e.sandbox.Exec(ctx, docker.ExecOptions{
		Image:   e.cfg.Docker.ScannerImage,
		Command: []string{"python", "-c", plannerScript},
		Volume:  s.DockerVolumes["code"],
		Timeout: tools.DefaultToolTimeout,
	})
	if err == nil && res.ExitCode == 0 {
		var inv struct {
			HasPython           bool     `json:"has_python"`
			DependencyManifests []string `json:"dependency_manifests"`
			ConfigFiles         []string `json:"config_files"`
		}
		if json.Unmarshal([]byte(lastLine(res.Stdout)), &inv) == nil {
			plan["run_ast_scanner"] = inv.HasPython
			plan["run_dependency_scanner"] = len(inv.DependencyManifests) > 0
			plan["run_config_scanner"] = len(inv.ConfigFiles) > 0
			plan["dependency_manifests"] = toAnySlice(inv.DependencyManifests)
			plan["config_files"] = toAnySlice(inv.ConfigFiles)
		}
	} else {
		e.log.Warn().Str("scan_id", s.ScanID).Msg("workspace inventory failed, keeping full plan")
	}

	s.RepoMetadata["analysis_plan"] = plan
	s.Phase = scan.PhaseAnalysis
	s.AnalysisStage = StagePlanned
	return s, nil
}

// scannerNode builds the node for one obligatory scanner. A scanner that
// cannot run is fatal to the scan; one that ran but emitted garbage yields
// a failed envelope and the run continues.
func (e *Engine) scannerNode(name string) graph.Node {
	rules := scannerRules[name]
	script := fmt.Sprintf(scannerScript, rules.patterns, rules.filter)
	return func(ctx context.Context, s scan.State) (scan.State, error) {
		res, err := e.sandbox.Exec(ctx, docker.ExecOptions{
			Image:    e.cfg.Docker.ScannerImage,
			Command:  []string{"python", "-c", script},
			Volume:   s.DockerVolumes["code"],
			Hardened: true,
			Timeout:  tools.DefaultToolTimeout,
		})
		if err != nil || res.ExitCode != 0 {
			reason := lastNonEmpty(res.Stderr)
			if err != nil {
				reason = err.Error()
			}
			s = s.AppendError(fmt.Sprintf("%s failed: %s", name, reason))
			s.Phase = scan.PhaseError
			return s, nil
		}

		envelope := scan.ToolOutput{Tool: name, Findings: []map[string]any{}}
		var doc struct {
			Findings []map[string]any `json:"findings"`
			Summary  map[string]any   `json:"summary"`
		}
		if jsonErr := json.Unmarshal([]byte(lastLine(res.Stdout)), &doc); jsonErr != nil || doc.Findings == nil {
			envelope.Summary = map[string]any{"count": 0, "status": "failed"}
		} else {
			envelope.Findings = doc.Findings
			envelope.Summary = map[string]any{"count": len(doc.Findings)}
		}

		s.RawToolOutputs = append(s.RawToolOutputs, envelope)
		s.AnalysisStage = requiredScanners[name] + "_scanned"
		return s, nil
	}
}

// AggregateSignals flattens every envelope into the normalized finding
// list, first occurrence wins per (scanner, type, file, line).
func (e *Engine) AggregateSignals(_ context.Context, s scan.State) (scan.State, error) {
	type sig struct {
		scanner, typ, file string
		line               int
	}
	seen := map[sig]bool{}
	normalized := []scan.Finding{}

	for _, envelope := range s.RawToolOutputs {
		for _, raw := range envelope.Findings {
			f := scan.Finding{
				Scanner:      envelope.Tool,
				Type:         stringOr(raw, "type", "unknown"),
				Severity:     stringOr(raw, "severity", "medium"),
				File:         stringOr(raw, "file", ""),
				Line:         intOr(raw, "line", 0),
				Message:      stringOr(raw, "message", ""),
				Evidence:     stringOr(raw, "evidence", ""),
				CategoryHint: stringOr(raw, "category_hint", "general"),
			}
			key := sig{f.Scanner, f.Type, f.File, f.Line}
			if seen[key] {
				continue
			}
			seen[key] = true
			f.ID = fmt.Sprintf("%s-%s-%d", s.ScanID, f.Scanner, len(normalized))
			normalized = append(normalized, f)
		}
	}

	s.NormalizedFindings = normalized
	if s.AnalysisStage == StageRescanned {
		s.AnalysisStage = StageAggregatedAfterRscan
	} else {
		s.AnalysisStage = StageAggregated
	}
	return s, nil
}

// ReflectCoverage lists required scanners that produced no envelope. After
// the single allowed rescan, gaps are forced empty.
func (e *Engine) ReflectCoverage(_ context.Context, s scan.State) (scan.State, error) {
	if s.RescansTriggered {
		s.CoverageGaps = []string{}
		s.AnalysisStage = StageReflected
		return s, nil
	}

	seen := map[string]bool{}
	for _, envelope := range s.RawToolOutputs {
		seen[envelope.Tool] = true
	}
	gaps := []string{}
	for name := range requiredScanners {
		if !seen[name] {
			gaps = append(gaps, name)
		}
	}
	sort.Strings(gaps)
	s.CoverageGaps = gaps
	s.AnalysisStage = StageReflected
	return s, nil
}

// TargetedRescan re-invokes exactly the gap scanners, keeping only findings
// with a concrete file:line evidence ref and a non-generic hint. The
// rescans_triggered latch bounds this to one pass per scan.
func (e *Engine) TargetedRescan(ctx context.Context, s scan.State) (scan.State, error) {
	gaps := append([]string(nil), s.CoverageGaps...)
	for _, name := range gaps {
		if _, known := requiredScanners[name]; !known {
			continue
		}
		next, err := e.scannerNode(name)(ctx, s)
		if err != nil {
			return s, err
		}
		if next.HasErrors() {
			return next, nil
		}
		// filter the envelope this scanner just appended
		idx := len(next.RawToolOutputs) - 1
		envelope := next.RawToolOutputs[idx]
		kept := []map[string]any{}
		for _, raw := range envelope.Findings {
			hint := stringOr(raw, "category_hint", "")
			if stringOr(raw, "file", "") == "" || intOr(raw, "line", 0) <= 0 {
				continue
			}
			if hint == "" || hint == "general" {
				continue
			}
			raw["provenance"] = "source_tool"
			kept = append(kept, raw)
		}
		envelope.Findings = kept
		envelope.Summary = map[string]any{"count": len(kept), "provenance": "source_tool"}
		next.RawToolOutputs[idx] = envelope
		s = next
	}

	s.RescansTriggered = true
	s.CoverageGaps = []string{}
	s.AnalysisStage = StageRescanned
	return s, nil
}

// MapToOwasp groups normalized findings by taxonomy category.
func (e *Engine) MapToOwasp(_ context.Context, s scan.State) (scan.State, error) {
	mapped := map[string][]scan.Finding{}
	for _, f := range s.NormalizedFindings {
		category := CategoryForHint(f.CategoryHint)
		mapped[category] = append(mapped[category], f)
	}

	categories := make([]string, 0, len(mapped))
	for c := range mapped {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	s.OwaspMapped = mapped
	s.OwaspCategories = categories
	s.AnalysisStage = StageOwaspMapped
	s.Phase = scan.PhaseAnalysisCompleted
	return s, nil
}

func routeAfterAggregation(s scan.State) string {
	if s.HasErrors() {
		return "error"
	}
	if s.AnalysisStage == StageAggregatedAfterRscan {
		return "map"
	}
	return "reflect"
}

func routeAfterReflection(s scan.State) string {
	if s.HasErrors() {
		return "error"
	}
	if len(s.CoverageGaps) > 0 && !s.RescansTriggered {
		return "rescan"
	}
	return "map"
}

// BuildAnalysisGraph compiles the analysis subgraph with its bounded
// reflector -> rescan -> aggregator loop.
func (e *Engine) BuildAnalysisGraph() (*graph.Graph, error) {
	b := graph.New().
		AddNode("planner", e.PlanAnalysis).
		AddNode("ast_scanner", e.scannerNode("ast_scanner")).
		AddNode("regex_scanner", e.scannerNode("regex_scanner")).
		AddNode("dependency_scanner", e.scannerNode("dependency_scanner")).
		AddNode("config_scanner", e.scannerNode("config_scanner")).
		AddNode("aggregator", e.AggregateSignals).
		AddNode("reflector", e.ReflectCoverage).
		AddNode("targeted_rescan", e.TargetedRescan).
		AddNode("mapper", e.MapToOwasp).
		SetEntry("planner")

	chain := []string{"planner", "ast_scanner", "regex_scanner", "dependency_scanner", "config_scanner"}
	for i := 0; i < len(chain)-1; i++ {
		b.AddConditionalEdge(chain[i], routeIfError,
			map[string]string{"error": graph.End, "continue": chain[i+1]})
	}
	b.AddConditionalEdge("config_scanner", routeIfError,
		map[string]string{"error": graph.End, "continue": "aggregator"})
	b.AddConditionalEdge("aggregator", routeAfterAggregation,
		map[string]string{"error": graph.End, "reflect": "reflector", "map": "mapper"})
	b.AddConditionalEdge("reflector", routeAfterReflection,
		map[string]string{"error": graph.End, "rescan": "targeted_rescan", "map": "mapper"})
	b.AddConditionalEdge("targeted_rescan", routeIfError,
		map[string]string{"error": graph.End, "continue": "aggregator"})
	b.AddEdge("mapper", graph.End)
	return b.Compile()
}

func stringOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intOr(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
