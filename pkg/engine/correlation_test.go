package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/core/runner"
	"github.com/deplai/scan-engine/pkg/domain/scan"
)

const (
	catInjection  = "A03:2021-Injection"
	catAccess     = "A01:2021-Broken Access Control"
	catMisconfig  = "A05:2021-Security Misconfiguration"
	catComponents = "A06:2021-Vulnerable and Outdated Components"
)

func TestScoreBase(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.OwaspMapped = map[string][]scan.Finding{
		catInjection: {{Severity: "high"}, {Severity: "medium"}},
		catAccess:    {{Severity: "critical"}},
	}
	out, err := e.ScoreBase(context.Background(), s)
	require.NoError(t, err)

	require.Equal(t, scan.PhaseCorrelation, out.Phase)
	require.Equal(t, 1.25, out.BaseScores[catInjection])
	require.Equal(t, 1.0, out.BaseScores[catAccess])
}

func TestApplyCorrelations(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.BaseScores = map[string]float64{catInjection: 1.0, catAccess: 0.5, catMisconfig: 0.25}
	out, err := e.ApplyCorrelations(context.Background(), s)
	require.NoError(t, err)

	// misconfiguration receives 20% of injection and 15% of access control,
	// and transfers 10% of its own base back to each of them
	require.Equal(t, 1.025, out.CorrelatedScores[catInjection])
	require.Equal(t, 0.525, out.CorrelatedScores[catAccess])
	require.Equal(t, 0.525, out.CorrelatedScores[catMisconfig])
}

func TestApplyCorrelationsSkipsAbsentTargets(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.BaseScores = map[string]float64{catInjection: 0.75}
	out, err := e.ApplyCorrelations(context.Background(), s)
	require.NoError(t, err)

	// no misconfiguration signal was observed, so none is invented
	require.Equal(t, map[string]float64{catInjection: 0.75}, out.CorrelatedScores)
}

func TestApplyCorrelationsSkipsZeroSources(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.BaseScores = map[string]float64{catInjection: 0, catMisconfig: 0.1}
	out, err := e.ApplyCorrelations(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 0.1, out.CorrelatedScores[catMisconfig])
}

func TestDecideSpawn(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.CorrelatedScores = map[string]float64{
		catInjection: 0.5,
		catMisconfig: 0.1,
		catAccess:    0,
	}
	out, err := e.DecideSpawn(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{catInjection, catMisconfig}, out.SelectedCategories)
}

func TestFilterTechStackDropsComponentsWithoutManifests(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.SelectedCategories = []string{catInjection, catComponents}
	s.RepoMetadata["analysis_plan"] = map[string]any{"dependency_manifests": []any{}}

	out, err := e.FilterTechStack(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{catInjection}, out.FilteredCategories)
}

func TestFilterTechStackKeepsComponentsWithManifests(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.SelectedCategories = []string{catComponents}
	s.RepoMetadata["analysis_plan"] = map[string]any{"dependency_manifests": []any{"requirements.txt"}}

	out, err := e.FilterTechStack(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{catComponents}, out.FilteredCategories)
}

func TestPlanExecution(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})

	s := testState()
	s.FilteredCategories = []string{catInjection, catMisconfig}
	s.CorrelatedScores = map[string]float64{catInjection: 0.9, catMisconfig: 0.2}

	out, err := e.PlanExecution(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, scan.PhaseCorrelationDone, out.Phase)
	require.Equal(t, []scan.PlanEntry{
		{Order: 1, Category: catInjection, Score: 0.9},
		{Order: 2, Category: catMisconfig, Score: 0.2},
	}, out.ExecutionPlan)
}

func TestCorrelationGraphEndToEnd(t *testing.T) {
	e, _ := newTestEngine(t, &runner.FakeCommandRunner{})
	g, err := e.BuildCorrelationGraph()
	require.NoError(t, err)

	s := testState()
	s.OwaspMapped = map[string][]scan.Finding{
		catInjection: {{Severity: "high"}},
	}
	out, err := g.Run(context.Background(), s)
	require.NoError(t, err)

	require.Equal(t, scan.PhaseCorrelationDone, out.Phase)
	// only the observed category reaches the plan
	require.Equal(t, []string{catInjection}, out.FilteredCategories)
	require.Equal(t, []scan.PlanEntry{
		{Order: 1, Category: catInjection, Score: 0.75},
	}, out.ExecutionPlan)
}
