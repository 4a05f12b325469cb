package engine

import (
	"context"
	"math"
	"sort"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
)

// Correlation stage markers.
const (
	StageBaseScored     = "base_scored"
	StageCorrelated     = "correlated"
	StageSpawnSelected  = "spawn_selected"
	StageStackFiltered  = "stack_filtered"
	StageExecutionPlann = "planned"
)

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ScoreBase sums severity weights per category.
func (e *Engine) ScoreBase(_ context.Context, s scan.State) (scan.State, error) {
	scores := map[string]float64{}
	for category, findings := range s.OwaspMapped {
		total := 0.0
		for _, f := range findings {
			total += SeverityWeight(f.Severity)
		}
		scores[category] = round4(total)
	}
	s.BaseScores = scores
	s.Phase = scan.PhaseCorrelation
	s.CorrelationStage = StageBaseScored
	return s, nil
}

// ApplyCorrelations transfers fixed fractions of base scores between
// related categories. Only categories that already have a base score are
// adjusted; correlation amplifies observed signal, it never invents a
// category from nothing.
func (e *Engine) ApplyCorrelations(_ context.Context, s scan.State) (scan.State, error) {
	correlated := map[string]float64{}
	for category, score := range s.BaseScores {
		correlated[category] = score
	}
	for source, targets := range correlationWeights {
		base, ok := s.BaseScores[source]
		if !ok || base == 0 {
			continue
		}
		for target, weight := range targets {
			if _, present := s.BaseScores[target]; !present {
				continue
			}
			correlated[target] = round4(correlated[target] + base*weight)
		}
	}
	s.CorrelatedScores = correlated
	s.CorrelationStage = StageCorrelated
	return s, nil
}

// rankedCategories orders categories by score descending, name ascending
// for stable ties.
func rankedCategories(scores map[string]float64) []string {
	out := make([]string, 0, len(scores))
	for c := range scores {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// DecideSpawn selects categories with positive correlated score.
func (e *Engine) DecideSpawn(_ context.Context, s scan.State) (scan.State, error) {
	selected := []string{}
	for _, c := range rankedCategories(s.CorrelatedScores) {
		if s.CorrelatedScores[c] > 0 {
			selected = append(selected, c)
		}
	}
	s.SelectedCategories = selected
	s.CorrelationStage = StageSpawnSelected
	return s, nil
}

// FilterTechStack drops categories irrelevant to the detected stack:
// vulnerable-components analysis needs dependency manifests to act on.
func (e *Engine) FilterTechStack(_ context.Context, s scan.State) (scan.State, error) {
	manifests := 0
	if plan, ok := s.RepoMetadata["analysis_plan"].(map[string]any); ok {
		if list, ok := plan["dependency_manifests"].([]any); ok {
			manifests = len(list)
		}
	}

	filtered := []string{}
	for _, c := range s.SelectedCategories {
		if OwaspID(c) == "A06" && manifests == 0 {
			continue
		}
		filtered = append(filtered, c)
	}
	s.FilteredCategories = filtered
	s.CorrelationStage = StageStackFiltered
	return s, nil
}

// PlanExecution emits the ordered execution plan.
func (e *Engine) PlanExecution(_ context.Context, s scan.State) (scan.State, error) {
	plan := make([]scan.PlanEntry, 0, len(s.FilteredCategories))
	for i, c := range s.FilteredCategories {
		plan = append(plan, scan.PlanEntry{
			Order:    i + 1,
			Category: c,
			Score:    s.CorrelatedScores[c],
		})
	}
	s.ExecutionPlan = plan
	s.CorrelationStage = StageExecutionPlann
	s.Phase = scan.PhaseCorrelationDone
	return s, nil
}

// BuildCorrelationGraph compiles the correlation subgraph.
func (e *Engine) BuildCorrelationGraph() (*graph.Graph, error) {
	return graph.New().
		AddNode("base_scorer", e.ScoreBase).
		AddNode("correlation_applier", e.ApplyCorrelations).
		AddNode("spawn_decider", e.DecideSpawn).
		AddNode("tech_stack_filter", e.FilterTechStack).
		AddNode("execution_planner", e.PlanExecution).
		AddEdge("base_scorer", "correlation_applier").
		AddEdge("correlation_applier", "spawn_decider").
		AddEdge("spawn_decider", "tech_stack_filter").
		AddEdge("tech_stack_filter", "execution_planner").
		AddEdge("execution_planner", graph.End).
		SetEntry("base_scorer").
		Compile()
}
