package tools

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/runner"
)

func newRuntime(fake *runner.FakeCommandRunner) *Runtime {
	return NewRuntime(docker.NewSandbox(fake), Catalog(""))
}

func TestRunToolSuccess(t *testing.T) {
	fake := &runner.FakeCommandRunner{
		Responses: []runner.FakeResponse{{Result: runner.Result{
			Stdout: `scanning...` + "\n" +
				`{"findings": [{"title": "Hardcoded password literal", "severity": "high", "evidence": "app.py:10", "confidence": 0.8}], "summary": {"count": 1}}`,
		}}},
	}
	out := newRuntime(fake).RunTool(context.Background(), "generic_pattern_scan", "vol")

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, ExitOK, out.ExitCode)
	require.Len(t, out.Findings, 1)
	f := out.Findings[0]
	assert.Equal(t, "Hardcoded password literal", f.Title)
	assert.Equal(t, "high", f.Severity)
	assert.Equal(t, "generic_pattern_scan", f.ToolProvenance)
	assert.Equal(t, 0.8, f.Confidence)
	assert.Equal(t, "strict_json", f.OriginParser)
	assert.Equal(t, "A04:2021-Insecure Design", f.Category)
}

func TestRunToolInfersCategoryAndSeverity(t *testing.T) {
	fake := &runner.FakeCommandRunner{
		Responses: []runner.FakeResponse{{Result: runner.Result{
			Stdout: `{"findings": [{"evidence": "k.pem:1"}]}`,
		}}},
	}
	out := newRuntime(fake).RunTool(context.Background(), "crypto_key_scan", "vol")

	require.Len(t, out.Findings, 1)
	assert.Equal(t, "A02:2021-Cryptographic Failures", out.Findings[0].Category)
	assert.Equal(t, "high", out.Findings[0].Severity)
	assert.Equal(t, "crypto_key_scan finding", out.Findings[0].Title)
	assert.Equal(t, 0.6, out.Findings[0].Confidence)
}

func TestRunToolMalformedOutputIsFailed(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
	}{
		{"not json", "oops"},
		{"json array", `[1,2,3]`},
		{"missing findings", `{"summary": {}}`},
		{"findings not a list", `{"findings": {"a": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &runner.FakeCommandRunner{
				Responses: []runner.FakeResponse{{Result: runner.Result{Stdout: tt.stdout}}},
			}
			out := newRuntime(fake).RunTool(context.Background(), "taint_sim", "vol")
			assert.Equal(t, StatusFailed, out.Status)
			assert.Equal(t, ExitFailure, out.ExitCode)
			assert.Empty(t, out.Findings)
		})
	}
}

func TestRunToolNonZeroExit(t *testing.T) {
	fake := &runner.FakeCommandRunner{
		Responses: []runner.FakeResponse{{Result: runner.Result{ExitCode: 3, Stderr: "crash"}}},
	}
	out := newRuntime(fake).RunTool(context.Background(), "ast_deep_scan", "vol")
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 3, out.ExitCode)
}

func TestRunToolMissingExecutor(t *testing.T) {
	fake := &runner.FakeCommandRunner{
		Responses: []runner.FakeResponse{{Err: exec.ErrNotFound}},
	}
	out := newRuntime(fake).RunTool(context.Background(), "regex_injection", "vol")
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ExitExecutorMissing, out.ExitCode)
}

func TestRunToolUnknownTool(t *testing.T) {
	out := newRuntime(&runner.FakeCommandRunner{}).RunTool(context.Background(), "nope", "vol")
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ExitFailure, out.ExitCode)
}

func TestCatalogCoversAllTools(t *testing.T) {
	cat := Catalog("")
	for _, name := range []string{
		"access_path_scan", "policy_gap_scan", "crypto_key_scan", "config_entropy_check",
		"ast_deep_scan", "regex_injection", "taint_sim", "generic_pattern_scan",
	} {
		spec, ok := cat[name]
		require.True(t, ok, name)
		assert.Equal(t, DefaultToolImage, spec.Image)
		assert.Equal(t, "python", spec.Command[0])
	}
}

func TestCategoryAndSeverityTables(t *testing.T) {
	assert.Equal(t, "A01:2021-Broken Access Control", CategoryForTool("access_path_scan"))
	assert.Equal(t, "A03:2021-Injection", CategoryForTool("taint_sim"))
	assert.Equal(t, "A04:2021-Insecure Design", CategoryForTool("something_else"))
	assert.Equal(t, "high", SeverityForTool("taint_sim"))
	assert.Equal(t, "medium", SeverityForTool("policy_gap_scan"))
}
