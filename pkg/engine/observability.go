package engine

import (
	"context"
	"time"

	"github.com/deplai/scan-engine/pkg/domain/scan"
)

var timelineStartEvents = map[string]bool{"started": true, "running": true, "initialized": true}
var timelineEndEvents = map[string]bool{"completed": true, "failed": true, "skipped": true}

// phaseDurations pairs each phase's first start event with its first
// subsequent end event. Phases still open contribute nothing.
func phaseDurations(timeline []scan.TimelineEvent) map[string]any {
	starts := map[string]time.Time{}
	durations := map[string]any{}
	for _, ev := range timeline {
		at, err := time.Parse(time.RFC3339Nano, ev.At)
		if err != nil {
			continue
		}
		if timelineStartEvents[ev.Event] {
			if _, seen := starts[ev.Phase]; !seen {
				starts[ev.Phase] = at
			}
			continue
		}
		if timelineEndEvents[ev.Event] {
			if start, seen := starts[ev.Phase]; seen {
				if _, done := durations[ev.Phase]; !done {
					durations[ev.Phase] = round2(at.Sub(start).Seconds())
				}
			}
		}
	}
	return durations
}

// CollectTelemetry derives the scan and intelligence summaries from the
// finished run. Telemetry is advisory: nothing here may fail the scan.
func (e *Engine) CollectTelemetry(_ context.Context, s scan.State) (scan.State, error) {
	totalDuration := 0.0
	if len(s.PhaseTimeline) > 0 {
		if start, err := time.Parse(time.RFC3339Nano, s.PhaseTimeline[0].At); err == nil {
			totalDuration = round2(time.Since(start).Seconds())
		}
	}

	lowConfidence := 0
	toolRuns := 0
	failedTools := 0
	var runtimeTotal int64
	for _, result := range s.Layer6Results {
		if result.CategoryStatus == scan.CategoryLowConfidence {
			lowConfidence++
		}
		for _, record := range result.ExecutionRecord {
			toolRuns++
			runtimeTotal += record.ExecutionTimeMS
			if record.Status != "success" {
				failedTools++
			}
		}
	}
	avgRuntime := 0.0
	if toolRuns > 0 {
		avgRuntime = round2(float64(runtimeTotal) / float64(toolRuns))
	}

	// one volume create, one clone, every scanner and tool container, and
	// the removal when it happened
	dockerOps := toolRuns + len(s.RawToolOutputs) + 2
	if s.CleanupStatus.VolumeRemoved {
		dockerOps++
	}

	if s.Telemetry == nil {
		s.Telemetry = map[string]any{}
	}
	s.Telemetry["scan_summary"] = map[string]any{
		"total_duration_s":          totalDuration,
		"phase_durations":           phaseDurations(s.PhaseTimeline),
		"total_findings":            len(s.IntelligentFindings),
		"categories_triggered":      len(s.Layer6Results),
		"categories_low_confidence": lowConfidence,
		"docker_operations_count":   dockerOps,
		"tool_runtime_stats": map[string]any{
			"total_tools_executed": toolRuns,
			"avg_tool_runtime_ms":  avgRuntime,
			"failed_tools":         failedTools,
		},
	}
	s.Telemetry["intelligence_summary"] = map[string]any{
		"risk_profile_score": riskProfileScore(s.IntelligentFindings),
		"confidence_score":   weightedConfidence(s.Layer6Results),
		"noise_ratio":        noiseRatio(s),
	}
	return s, nil
}

// riskProfileScore averages a severity weighting over the final findings,
// clamped to [0, 1]. No findings means no measured risk.
func riskProfileScore(findings []scan.IntelligentFinding) float64 {
	if len(findings) == 0 {
		return 0
	}
	total := 0.0
	for _, f := range findings {
		switch f.Severity {
		case "critical":
			total += 1.0
		case "high":
			total += 0.85
		case "medium":
			total += 0.55
		case "low":
			total += 0.25
		default:
			total += 0.1
		}
	}
	score := total / float64(len(findings))
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return round2(score)
}

// weightedConfidence is the finding-count-weighted mean of category
// confidences; empty categories still weigh one so they drag the mean.
func weightedConfidence(results []scan.CategoryResult) float64 {
	if len(results) == 0 {
		return 0
	}
	weighted := 0.0
	weights := 0.0
	for _, r := range results {
		w := float64(len(r.AggregatedFindings))
		if w < 1 {
			w = 1
		}
		weighted += r.CategoryConfidence * w
		weights += w
	}
	return round2(weighted / weights)
}

// noiseRatio compares the chattiest scanner's raw volume against what
// survived normalization.
func noiseRatio(s scan.State) float64 {
	raw := 0
	for _, out := range s.RawToolOutputs {
		if out.Tool == "regex_scanner" {
			raw += len(out.Findings)
		}
	}
	validated := len(s.NormalizedFindings)
	if validated < 1 {
		validated = 1
	}
	return round2(float64(raw) / float64(validated))
}

// RecordAudit writes the immutable audit record once; reruns keep the
// original.
func (e *Engine) RecordAudit(_ context.Context, s scan.State) (scan.State, error) {
	if len(s.AuditRecord) > 0 {
		return s, nil
	}

	projectID := "unknown"
	if project, ok := s.RepoMetadata["project"].(map[string]any); ok {
		projectID = stringOr(project, "project_id", "unknown")
	}

	path := make([]string, 0, len(s.PhaseTimeline))
	for _, ev := range s.PhaseTimeline {
		path = append(path, ev.Phase)
	}
	toolsExecuted := []string{}
	for _, result := range s.Layer6Results {
		for _, record := range result.ExecutionRecord {
			toolsExecuted = append(toolsExecuted, record.ToolName)
		}
	}

	finalStatus := "failed"
	if s.CleanupStatus.PersistenceCompleted {
		finalStatus = "completed"
	}
	s.AuditRecord = map[string]any{
		"scan_id":           s.ScanID,
		"project_id":        projectID,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"execution_path":    path,
		"tools_executed":    toolsExecuted,
		"cleanup_performed": s.CleanupStatus.VolumeRemoved,
		"errors_count":      len(s.Errors),
		"final_status":      finalStatus,
	}
	return s, nil
}
