// Package tools wraps the sandbox with a tool catalog and the strict JSON
// output contract: exit 0 plus a top-level object whose findings list
// parses, or the run is classified failed.
package tools

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/domain/errors"
	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/logger"
)

// Outcome is the classified result of one tool run. Tool failures are data,
// not errors; the execution phase records them and moves on.
type Outcome struct {
	Tool       string
	Status     string
	ExitCode   int
	DurationMS int64
	Findings   []scan.ToolFinding
	Summary    map[string]any
	Stderr     string
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Runtime executes catalog tools inside hardened sandbox workers.
type Runtime struct {
	sandbox *docker.Sandbox
	catalog map[string]Spec
	log     zerolog.Logger
}

func NewRuntime(sandbox *docker.Sandbox, catalog map[string]Spec) *Runtime {
	return &Runtime{sandbox: sandbox, catalog: catalog, log: logger.Component("tool-runtime")}
}

// Names lists the catalog tools.
func (r *Runtime) Names() []string {
	out := make([]string, 0, len(r.catalog))
	for name := range r.catalog {
		out = append(out, name)
	}
	return out
}

// Has reports whether the catalog knows the tool.
func (r *Runtime) Has(tool string) bool {
	_, ok := r.catalog[tool]
	return ok
}

// RunTool executes one catalog tool against the workspace volume.
func (r *Runtime) RunTool(ctx context.Context, tool, volume string) Outcome {
	spec, ok := r.catalog[tool]
	if !ok {
		return Outcome{Tool: tool, Status: StatusFailed, ExitCode: ExitFailure, Findings: []scan.ToolFinding{}}
	}

	start := time.Now()
	res, err := r.sandbox.Exec(ctx, docker.ExecOptions{
		Image:    spec.Image,
		Command:  spec.Command,
		Volume:   volume,
		Hardened: true,
		Timeout:  spec.Timeout,
	})
	elapsed := time.Since(start).Milliseconds()

	out := Outcome{Tool: tool, ExitCode: res.ExitCode, DurationMS: elapsed, Stderr: res.Stderr, Findings: []scan.ToolFinding{}}

	if err != nil {
		out.Status = StatusFailed
		switch {
		case errors.HasCode(err, errors.CodeTimeoutError):
			out.ExitCode = ExitTimeout
		case errors.HasCode(err, errors.CodeExecutorMissing):
			out.ExitCode = ExitExecutorMissing
		default:
			out.ExitCode = ExitFailure
		}
		r.log.Warn().Str("tool", tool).Int("exit_code", out.ExitCode).Msg("tool run failed")
		return out
	}
	if res.ExitCode != 0 {
		out.Status = StatusFailed
		return out
	}

	findings, summary, ok := parseEnvelope(res.Stdout)
	if !ok {
		out.Status = StatusFailed
		out.ExitCode = ExitFailure
		return out
	}
	out.Status = StatusSuccess
	out.Summary = summary
	for _, f := range findings {
		out.Findings = append(out.Findings, NormalizeFinding(tool, f))
	}
	return out
}

// parseEnvelope reads the strict contract from the last stdout line.
func parseEnvelope(stdout string) (findings []map[string]any, summary map[string]any, ok bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, nil, false
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(last), &doc); err != nil {
		return nil, nil, false
	}
	raw, present := doc["findings"]
	list, isList := raw.([]any)
	if !present || !isList {
		return nil, nil, false
	}
	for _, item := range list {
		if m, isMap := item.(map[string]any); isMap {
			findings = append(findings, m)
		}
	}
	if s, isMap := doc["summary"].(map[string]any); isMap {
		summary = s
	}
	return findings, summary, true
}

// NormalizeFinding maps a raw tool finding onto the canonical record,
// inferring category and severity from the tool when absent.
func NormalizeFinding(tool string, raw map[string]any) scan.ToolFinding {
	f := scan.ToolFinding{
		Category:       stringField(raw, "category", CategoryForTool(tool)),
		Title:          stringField(raw, "title", tool+" finding"),
		Severity:       stringField(raw, "severity", SeverityForTool(tool)),
		Evidence:       stringField(raw, "evidence", stringField(raw, "message", "")),
		ToolProvenance: tool,
		Confidence:     floatField(raw, "confidence", 0.6),
		Reasoning:      stringField(raw, "reasoning", "Tool output parsed as JSON."),
		OriginParser:   "strict_json",
	}
	f.Confidence = math.Round(f.Confidence*100) / 100
	return f
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func floatField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
