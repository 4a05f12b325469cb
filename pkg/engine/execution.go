package engine

import (
	"context"
	"math"
	"sort"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
)

// Execution stage markers.
const (
	StageCoordinated        = "coordinated"
	StageCategoriesExecuted = "categories_executed"
	StageExecutionMerged    = "execution_merged"
	StageExecutionCompleted = "execution_completed"
)

const categoryConfidenceBar = 0.6

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CoordinateExecution validates the plan against the filtered categories.
// An empty or inconsistent plan short-circuits to the merger with no
// category results.
func (e *Engine) CoordinateExecution(_ context.Context, s scan.State) (scan.State, error) {
	s.Phase = scan.PhaseExecution
	s.ExecutionStage = StageCoordinated

	filtered := map[string]bool{}
	for _, c := range s.FilteredCategories {
		filtered[c] = true
	}
	valid := len(s.ExecutionPlan) > 0
	for _, entry := range s.ExecutionPlan {
		if !filtered[entry.Category] {
			valid = false
			break
		}
	}
	if !valid {
		s.Layer6Results = []scan.CategoryResult{}
	}
	return s, nil
}

func routeAfterCoordination(s scan.State) string {
	if s.HasErrors() {
		return "error"
	}
	if s.Layer6Results != nil && len(s.Layer6Results) == 0 {
		return "merge"
	}
	return "execute"
}

// ExecuteCategories runs each plan entry's tool battery in plan order, so
// layer6_results ordering is deterministic.
func (e *Engine) ExecuteCategories(ctx context.Context, s scan.State) (scan.State, error) {
	results := make([]scan.CategoryResult, 0, len(s.ExecutionPlan))
	volume := s.DockerVolumes["code"]
	for _, entry := range s.ExecutionPlan {
		results = append(results, e.runCategory(ctx, entry, volume))
	}
	s.Layer6Results = results
	s.ExecutionStage = StageCategoriesExecuted
	return s, nil
}

// runCategory is the per-category battery: select tools, prioritize by
// weight, execute, record, aggregate, evaluate. Individual tool failures
// never abort the category.
func (e *Engine) runCategory(ctx context.Context, entry scan.PlanEntry, volume string) scan.CategoryResult {
	battery := ToolsForCategory(entry.Category)
	sort.Slice(battery, func(i, j int) bool {
		if toolWeights[battery[i]] != toolWeights[battery[j]] {
			return toolWeights[battery[i]] > toolWeights[battery[j]]
		}
		return battery[i] < battery[j]
	})

	records := make([]scan.ExecutionRecord, 0, len(battery))
	aggregated := []scan.ToolFinding{}
	for _, tool := range battery {
		outcome := e.tools.RunTool(ctx, tool, volume)
		if e.metrics != nil {
			e.metrics.ToolRuns.WithLabelValues(tool, outcome.Status).Inc()
		}

		confidence := 0.0
		if len(outcome.Findings) > 0 {
			sum := 0.0
			for _, f := range outcome.Findings {
				sum += f.Confidence
			}
			confidence = round2(sum / float64(len(outcome.Findings)))
		}
		records = append(records, scan.ExecutionRecord{
			ToolName:        tool,
			ExecutionTimeMS: outcome.DurationMS,
			Status:          outcome.Status,
			Confidence:      confidence,
			FindingCount:    len(outcome.Findings),
			ExitCode:        outcome.ExitCode,
		})
		aggregated = append(aggregated, outcome.Findings...)
	}

	categoryConfidence := 0.0
	if len(aggregated) > 0 {
		sum := 0.0
		for _, f := range aggregated {
			sum += f.Confidence
		}
		categoryConfidence = round2(sum / float64(len(aggregated)))
	}
	status := scan.CategoryLowConfidence
	if categoryConfidence >= categoryConfidenceBar {
		status = scan.CategoryCompleted
	}

	return scan.CategoryResult{
		Category:           entry.Category,
		Order:              entry.Order,
		Score:              entry.Score,
		CategoryStatus:     status,
		CategoryConfidence: categoryConfidence,
		ExecutionRecord:    records,
		AggregatedFindings: aggregated,
	}
}

// MergeResults concatenates the analysis-layer normalized findings with
// every category's aggregated findings.
func (e *Engine) MergeResults(_ context.Context, s scan.State) (scan.State, error) {
	final := make([]map[string]any, 0, len(s.NormalizedFindings))
	for _, f := range s.NormalizedFindings {
		final = append(final, f.ToMap())
	}
	for _, result := range s.Layer6Results {
		for _, f := range result.AggregatedFindings {
			final = append(final, f.ToMap())
		}
	}
	s.FinalFindings = final
	s.ExecutionStage = StageExecutionMerged
	return s, nil
}

// FinishExecution closes the phase after dedup has produced the
// intelligent findings.
func (e *Engine) FinishExecution(_ context.Context, s scan.State) (scan.State, error) {
	s.ExecutionStage = StageExecutionCompleted
	s.Phase = scan.PhaseExecutionCompleted
	return s, nil
}

// BuildExecutionGraph compiles the execution subgraph, including the
// ten-stage smart-dedup pipeline it hands off to.
func (e *Engine) BuildExecutionGraph() (*graph.Graph, error) {
	b := graph.New().
		AddNode("coordinator", e.CoordinateExecution).
		AddNode("category_runner", e.ExecuteCategories).
		AddNode("result_merger", e.MergeResults).
		SetEntry("coordinator")

	b.AddConditionalEdge("coordinator", routeAfterCoordination,
		map[string]string{"error": graph.End, "merge": "result_merger", "execute": "category_runner"})
	b.AddConditionalEdge("category_runner", routeIfError,
		map[string]string{"error": graph.End, "continue": "result_merger"})

	dedupChain := e.addDedupNodes(b)
	b.AddEdge("result_merger", dedupChain[0])
	for i := 0; i < len(dedupChain)-1; i++ {
		b.AddEdge(dedupChain[i], dedupChain[i+1])
	}
	b.AddNode("finish", e.FinishExecution)
	b.AddEdge(dedupChain[len(dedupChain)-1], "finish")
	b.AddEdge("finish", graph.End)
	return b.Compile()
}
