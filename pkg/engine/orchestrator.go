package engine

import (
	"context"
	"time"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
)

// phaseSetter updates one of the per-phase status enums on a snapshot.
type phaseSetter func(*scan.State, scan.PhaseStatus)

// phaseNode wraps a compiled subgraph as a single master-graph node: it
// marks the phase running, runs the subgraph, records the outcome on the
// timeline, and collapses any failure into the error phase.
func (e *Engine) phaseNode(phase string, sub *graph.Graph, set phaseSetter) graph.Node {
	return func(ctx context.Context, s scan.State) (scan.State, error) {
		if set != nil {
			set(&s, scan.PhaseRunning)
		}
		s = s.AppendTimeline(phase, "running")
		started := time.Now()

		next, err := sub.Run(ctx, s)
		if e.metrics != nil {
			e.metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(started).Seconds())
		}
		if err != nil {
			s = s.AppendError(phase + " phase failed: " + err.Error())
			if set != nil {
				set(&s, scan.PhaseFailed)
			}
			s = s.AppendTimeline(phase, "failed")
			s.Phase = scan.PhaseError
			return s, nil
		}
		if next.HasErrors() {
			if set != nil {
				set(&next, scan.PhaseFailed)
			}
			next = next.AppendTimeline(phase, "failed")
			next.Phase = scan.PhaseError
			return next, nil
		}
		if set != nil {
			set(&next, scan.PhaseCompleted)
		}
		return next.AppendTimeline(phase, "completed"), nil
	}
}

// advisoryNode wraps a best-effort node: a failure is logged and noted on
// the timeline but never fails the scan.
func (e *Engine) advisoryNode(phase string, fn graph.Node) graph.Node {
	return func(ctx context.Context, s scan.State) (scan.State, error) {
		next, err := fn(ctx, s)
		if err != nil {
			e.log.Warn().Str("scan_id", s.ScanID).Str("phase", phase).Err(err).Msg("advisory phase failed")
			return s.AppendTimeline(phase, "failed"), nil
		}
		return next, nil
	}
}

func routeAfterSetup(s scan.State) string {
	if s.HasErrors() {
		return "error"
	}
	if s.RequiresHITL {
		return "hitl"
	}
	return "analysis"
}

func routeAfterHITL(s scan.State) string {
	if s.HasErrors() {
		return "error"
	}
	if HITLApproved(s) {
		return "analysis"
	}
	return "cleanup"
}

// routeAfterFinalEvent is the persistence gate: a scan whose results never
// reached the store is a failed scan, whatever else succeeded.
func routeAfterFinalEvent(s scan.State) string {
	if s.HasErrors() || !s.CleanupStatus.PersistenceCompleted {
		return "error"
	}
	return "done"
}

// BuildMasterGraph compiles every subgraph and wires them into the
// end-to-end workflow. The error handler is the single failure sink.
func (e *Engine) BuildMasterGraph() (*graph.Graph, error) {
	validation, err := e.BuildValidationGraph()
	if err != nil {
		return nil, err
	}
	setup, err := e.BuildSetupGraph()
	if err != nil {
		return nil, err
	}
	hitl, err := e.BuildHITLGraph()
	if err != nil {
		return nil, err
	}
	analysis, err := e.BuildAnalysisGraph()
	if err != nil {
		return nil, err
	}
	correlation, err := e.BuildCorrelationGraph()
	if err != nil {
		return nil, err
	}
	execution, err := e.BuildExecutionGraph()
	if err != nil {
		return nil, err
	}
	cleanup, err := e.BuildCleanupGraph()
	if err != nil {
		return nil, err
	}

	b := graph.New().
		AddNode("run_validation", e.phaseNode("validation", validation, nil)).
		AddNode("run_setup", e.phaseNode("setup", setup,
			func(s *scan.State, ps scan.PhaseStatus) { s.SetupPhase = ps })).
		AddNode("mark_hitl_required", e.MarkHITLRequired).
		AddNode("run_hitl", e.phaseNode("hitl", hitl, nil)).
		AddNode("run_analysis", e.phaseNode("analysis", analysis,
			func(s *scan.State, ps scan.PhaseStatus) { s.AnalysisPhase = ps })).
		AddNode("run_correlation", e.phaseNode("correlation", correlation,
			func(s *scan.State, ps scan.PhaseStatus) { s.CorrelationPhase = ps })).
		AddNode("run_execution", e.phaseNode("execution", execution,
			func(s *scan.State, ps scan.PhaseStatus) { s.ExecutionPhase = ps })).
		AddNode("run_cleanup", e.phaseNode("cleanup", cleanup, nil)).
		AddNode("telemetry_collector", e.advisoryNode("telemetry", e.CollectTelemetry)).
		AddNode("audit_recorder", e.advisoryNode("audit", e.RecordAudit)).
		AddNode("strategic_summarizer", e.advisoryNode("strategic", e.SummarizeStrategically)).
		AddNode("export_preparer", e.advisoryNode("exports", e.PrepareExports)).
		AddNode("final_event", e.DispatchFinalEvent).
		AddNode("error_handler", e.HandleError).
		SetEntry("run_validation")

	b.AddConditionalEdge("run_validation", routeIfError,
		map[string]string{"error": "error_handler", "continue": "run_setup"})
	b.AddConditionalEdge("run_setup", routeAfterSetup,
		map[string]string{"error": "error_handler", "hitl": "mark_hitl_required", "analysis": "run_analysis"})
	b.AddEdge("mark_hitl_required", "run_hitl")
	b.AddConditionalEdge("run_hitl", routeAfterHITL,
		map[string]string{"error": "error_handler", "analysis": "run_analysis", "cleanup": "run_cleanup"})
	b.AddConditionalEdge("run_analysis", routeIfError,
		map[string]string{"error": "error_handler", "continue": "run_correlation"})
	b.AddConditionalEdge("run_correlation", routeIfError,
		map[string]string{"error": "error_handler", "continue": "run_execution"})
	b.AddConditionalEdge("run_execution", routeIfError,
		map[string]string{"error": "error_handler", "continue": "run_cleanup"})
	b.AddConditionalEdge("run_cleanup", routeIfError,
		map[string]string{"error": "error_handler", "continue": "telemetry_collector"})
	b.AddEdge("telemetry_collector", "audit_recorder")
	b.AddEdge("audit_recorder", "strategic_summarizer")
	b.AddEdge("strategic_summarizer", "export_preparer")
	b.AddEdge("export_preparer", "final_event")
	b.AddConditionalEdge("final_event", routeAfterFinalEvent,
		map[string]string{"error": "error_handler", "done": graph.End})
	b.AddEdge("error_handler", graph.End)
	return b.Compile()
}
