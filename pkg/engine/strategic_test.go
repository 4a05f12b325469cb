package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/core/runner"
)

func TestRiskLevel(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
		want   string
	}{
		{"critical present", map[string]int{"critical": 1}, "high"},
		{"many highs", map[string]int{"high": 5}, "high"},
		{"single high", map[string]int{"high": 1}, "medium"},
		{"many mediums", map[string]int{"medium": 5}, "medium"},
		{"quiet scan", map[string]int{"low": 2}, "low"},
		{"empty", map[string]int{}, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, riskLevel(tt.counts))
		})
	}
}

func TestConfidenceLevel(t *testing.T) {
	require.Equal(t, "high", confidenceLevel(0.75))
	require.Equal(t, "medium", confidenceLevel(0.5))
	require.Equal(t, "low", confidenceLevel(0.44))
}

func TestSummarizeStrategically(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	out, err := e.SummarizeStrategically(context.Background(), stateWithResults())
	require.NoError(t, err)

	summary := out.ExternalReport["executive_summary"].(map[string]any)
	require.Equal(t, "high", summary["risk_level"])
	require.Equal(t, 3, summary["total_findings"])
	require.Equal(t, 1, summary["critical_findings"])
	require.Equal(t, catInjection, summary["primary_risk_area"])
	require.Equal(t, "prioritize_immediate_triage_and_remediation", summary["recommended_next_action"])

	posture := out.ExternalReport["security_posture"].(map[string]any)
	require.Equal(t, true, posture["requires_manual_review"], "critical finding forces review")
	distribution := posture["risk_distribution"].(map[string]any)
	require.Equal(t, 1, distribution["critical"])
	require.Equal(t, 1, distribution["medium"])
}

func TestSummarizeStrategicallyQuietScan(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	out, err := e.SummarizeStrategically(context.Background(), testState())
	require.NoError(t, err)

	summary := out.ExternalReport["executive_summary"].(map[string]any)
	require.Equal(t, "low", summary["risk_level"])
	require.Equal(t, "none", summary["primary_risk_area"])
	require.Equal(t, "maintain_baseline_monitoring", summary["recommended_next_action"])

	posture := out.ExternalReport["security_posture"].(map[string]any)
	require.Equal(t, false, posture["systemic_weakness_detected"])
}

func TestPrepareExports(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s, err := e.SummarizeStrategically(context.Background(), stateWithResults())
	require.NoError(t, err)
	out, err := e.PrepareExports(context.Background(), s)
	require.NoError(t, err)

	require.Contains(t, out.ExternalExports["json_export"].(string), `"scan_id":"scan-1"`)

	report := out.ExternalExports["markdown_report"].(string)
	require.Contains(t, report, "# deplAI Security Summary")
	require.Contains(t, report, "Risk level: high")
	require.Contains(t, report, "## Findings")

	hooks := out.ExternalExports["hook_stubs"].(map[string]any)
	for _, name := range []string{"slack", "jira", "github_alert", "email"} {
		stub := hooks[name].(map[string]any)
		require.Equal(t, "available", stub["status"])
		require.Equal(t, false, stub["enabled"])
	}
}
