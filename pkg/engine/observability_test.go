package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/core/runner"
	"github.com/deplai/scan-engine/pkg/domain/scan"
)

func stateWithResults() scan.State {
	s := testState()
	s.RawToolOutputs = []scan.ToolOutput{
		{Tool: "regex_scanner", Findings: []map[string]any{{"type": "a"}, {"type": "b"}, {"type": "c"}}},
		{Tool: "ast_scanner", Findings: []map[string]any{{"type": "d"}}},
	}
	s.NormalizedFindings = []scan.Finding{{ID: "n1"}, {ID: "n2"}}
	s.Layer6Results = []scan.CategoryResult{
		{
			Category:           catInjection,
			CategoryStatus:     scan.CategoryCompleted,
			CategoryConfidence: 0.8,
			ExecutionRecord: []scan.ExecutionRecord{
				{ToolName: "taint_sim", ExecutionTimeMS: 300, Status: "success"},
				{ToolName: "ast_deep_scan", ExecutionTimeMS: 100, Status: "failed"},
			},
			AggregatedFindings: []scan.ToolFinding{{Title: "t1"}, {Title: "t2"}, {Title: "t3"}},
		},
		{
			Category:           catMisconfig,
			CategoryStatus:     scan.CategoryLowConfidence,
			CategoryConfidence: 0.4,
			ExecutionRecord: []scan.ExecutionRecord{
				{ToolName: "generic_pattern_scan", ExecutionTimeMS: 200, Status: "success"},
			},
		},
	}
	s.IntelligentFindings = []scan.IntelligentFinding{
		{FindingID: "f1", Severity: "critical", Category: catInjection},
		{FindingID: "f2", Severity: "medium", Category: catInjection},
		{FindingID: "f3", Severity: "low", Category: catMisconfig},
	}
	s.CleanupStatus.VolumeRemoved = true
	s.CleanupStatus.PersistenceCompleted = true
	return s
}

func TestCollectTelemetry(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	out, err := e.CollectTelemetry(context.Background(), stateWithResults())
	require.NoError(t, err)

	summary := out.Telemetry["scan_summary"].(map[string]any)
	require.Equal(t, 3, summary["total_findings"])
	require.Equal(t, 2, summary["categories_triggered"])
	require.Equal(t, 1, summary["categories_low_confidence"])
	// 3 tool runs + 2 scanner envelopes + volume create + clone + removal
	require.Equal(t, 8, summary["docker_operations_count"])

	stats := summary["tool_runtime_stats"].(map[string]any)
	require.Equal(t, 3, stats["total_tools_executed"])
	require.Equal(t, 200.0, stats["avg_tool_runtime_ms"])
	require.Equal(t, 1, stats["failed_tools"])

	intel := out.Telemetry["intelligence_summary"].(map[string]any)
	// (1.0 + 0.55 + 0.25) / 3
	require.Equal(t, 0.6, intel["risk_profile_score"])
	// (0.8*3 + 0.4*1) / 4
	require.Equal(t, 0.7, intel["confidence_score"])
	// 3 raw regex findings over 2 validated
	require.Equal(t, 1.5, intel["noise_ratio"])
}

func TestCollectTelemetryEmptyScan(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	out, err := e.CollectTelemetry(context.Background(), testState())
	require.NoError(t, err)

	intel := out.Telemetry["intelligence_summary"].(map[string]any)
	require.Equal(t, 0.0, intel["risk_profile_score"])
	require.Equal(t, 0.0, intel["confidence_score"])
	require.Equal(t, 0.0, intel["noise_ratio"])
}

func TestPhaseDurations(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	timeline := []scan.TimelineEvent{
		{Phase: "setup", Event: "running", At: base.Format(time.RFC3339Nano)},
		{Phase: "setup", Event: "completed", At: base.Add(4 * time.Second).Format(time.RFC3339Nano)},
		{Phase: "analysis", Event: "running", At: base.Add(4 * time.Second).Format(time.RFC3339Nano)},
		{Phase: "analysis", Event: "failed", At: base.Add(10 * time.Second).Format(time.RFC3339Nano)},
		{Phase: "correlation", Event: "running", At: base.Add(10 * time.Second).Format(time.RFC3339Nano)},
	}
	durations := phaseDurations(timeline)
	require.Equal(t, 4.0, durations["setup"])
	require.Equal(t, 6.0, durations["analysis"])
	require.NotContains(t, durations, "correlation", "open phases contribute nothing")
}

func TestRecordAudit(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := stateWithResults()
	s.RepoMetadata["project"] = map[string]any{"project_id": "proj-9"}
	out, err := e.RecordAudit(context.Background(), s)
	require.NoError(t, err)

	require.Equal(t, "scan-1", out.AuditRecord["scan_id"])
	require.Equal(t, "proj-9", out.AuditRecord["project_id"])
	require.Equal(t, "completed", out.AuditRecord["final_status"])
	require.Equal(t, true, out.AuditRecord["cleanup_performed"])
	require.Equal(t, 0, out.AuditRecord["errors_count"])
	require.Equal(t, []string{"taint_sim", "ast_deep_scan", "generic_pattern_scan"},
		out.AuditRecord["tools_executed"])
}

func TestRecordAuditImmutable(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.AuditRecord = map[string]any{"scan_id": "original"}
	out, err := e.RecordAudit(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "original", out.AuditRecord["scan_id"])
}
