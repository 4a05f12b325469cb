package engine

import (
	"context"
	"time"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
)

// HITL stage markers.
const (
	HITLAwaitingDecision = "awaiting_decision"
	HITLResolved         = "resolved"
	HITLCompleted        = "completed"

	StageSkippedDueToSize      = "skipped_due_to_size"
	StageSkippedDueToHITL      = "skipped_due_to_hitl"
	StageSkippedAfterRejection = "skipped_due_to_hitl_rejection"
)

const hitlQuestion = "Repository exceeds the size threshold. Proceed with a full scan?"

// NormalizeDecision folds the accepted verdict spellings onto
// approve/reject; anything unrecognized is a reject.
func NormalizeDecision(decision string) string {
	switch decision {
	case "approve", "approved", "continue", "proceed":
		return scan.DecisionApprove
	default:
		return scan.DecisionReject
	}
}

// MarkHITLRequired skips the downstream phases and parks the scan at the
// gate. Runs as a master-graph node when the size latch is set.
func (e *Engine) MarkHITLRequired(_ context.Context, s scan.State) (scan.State, error) {
	s.AnalysisPhase = scan.PhaseSkipped
	s.CorrelationPhase = scan.PhaseSkipped
	s.ExecutionPhase = scan.PhaseSkipped
	s.AnalysisStage = StageSkippedDueToSize
	s.CorrelationStage = StageSkippedDueToHITL
	s.ExecutionStage = StageSkippedDueToHITL
	s = s.AppendTimeline("analysis", "skipped")
	s = s.AppendTimeline("correlation", "skipped")
	s = s.AppendTimeline("execution", "skipped")
	s.Phase = scan.PhaseHITLRequired
	if e.metrics != nil {
		e.metrics.HITLTriggered.Inc()
	}
	return s, nil
}

// PromptHITL records the pending question and its resolution policy.
func (e *Engine) PromptHITL(_ context.Context, s scan.State) (scan.State, error) {
	timeoutSeconds := e.cfg.HITL.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	s.RepoMetadata["hitl"] = map[string]any{
		"status":           HITLAwaitingDecision,
		"requested_at":     time.Now().UTC().Format(time.RFC3339),
		"timeout_seconds":  timeoutSeconds,
		"default_decision": NormalizeDecision(e.cfg.HITL.DefaultDecision),
		"question":         hitlQuestion,
		"options":          []any{scan.DecisionApprove, scan.DecisionReject},
	}
	s.Phase = scan.PhaseHITLWaiting
	s.HITLPhase = scan.PhaseRunning
	s.HITLStage = HITLAwaitingDecision
	return s, nil
}

// WaitForDecision polls the decision provider and the state-embedded
// decision until one arrives or the timeout elapses; the timeout resolves
// to the configured default verdict.
func (e *Engine) WaitForDecision(ctx context.Context, s scan.State) (scan.State, error) {
	meta, _ := s.RepoMetadata["hitl"].(map[string]any)
	timeoutSeconds := intOr(meta, "timeout_seconds", 60)
	defaultDecision := stringOr(meta, "default_decision", scan.DecisionReject)

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	decision := scan.HITLDecision{
		Decision: defaultDecision,
		Actor:    "system",
		Source:   "timeout_default",
	}

	for time.Now().Before(deadline) {
		if d, ok := e.decisions(s.ScanID); ok {
			decision = d
			decision.Source = "provider"
			break
		}
		if embedded, ok := stateEmbeddedDecision(s); ok {
			decision = embedded
			decision.Source = "state"
			break
		}
		select {
		case <-ctx.Done():
			// cancelled scans fall through with the default verdict so the
			// error handler still observes a resolved gate
			decision.Source = "cancelled"
			goto resolved
		case <-time.After(e.hitlPoll):
		}
	}

resolved:
	decision.Decision = NormalizeDecision(decision.Decision)
	decision.At = time.Now().UTC().Format(time.RFC3339)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = HITLResolved
	meta["decision"] = map[string]any{
		"decision": decision.Decision,
		"actor":    decision.Actor,
		"reason":   decision.Reason,
		"source":   decision.Source,
		"at":       decision.At,
	}
	s.RepoMetadata["hitl"] = meta
	s.Phase = scan.PhaseHITLResolved
	s.HITLStage = HITLResolved
	return s, nil
}

func stateEmbeddedDecision(s scan.State) (scan.HITLDecision, bool) {
	meta, ok := s.RepoMetadata["hitl"].(map[string]any)
	if !ok {
		return scan.HITLDecision{}, false
	}
	raw, ok := meta["decision"].(map[string]any)
	if !ok {
		return scan.HITLDecision{}, false
	}
	d := scan.HITLDecision{
		Decision: stringOr(raw, "decision", ""),
		Actor:    stringOr(raw, "actor", ""),
		Reason:   stringOr(raw, "reason", ""),
	}
	return d, d.Decision != ""
}

// ApplyDecision releases the gate. Reject keeps the downstream phases
// skipped; approve hands control back to the analysis path.
func (e *Engine) ApplyDecision(_ context.Context, s scan.State) (scan.State, error) {
	s.RequiresHITL = false
	s.HITLPhase = scan.PhaseCompleted
	s.HITLStage = HITLCompleted

	meta, _ := s.RepoMetadata["hitl"].(map[string]any)
	raw, _ := meta["decision"].(map[string]any)
	if stringOr(raw, "decision", scan.DecisionReject) == scan.DecisionReject {
		s.AnalysisPhase = scan.PhaseSkipped
		s.CorrelationPhase = scan.PhaseSkipped
		s.ExecutionPhase = scan.PhaseSkipped
		s.AnalysisStage = StageSkippedAfterRejection
		s.CorrelationStage = StageSkippedAfterRejection
		s.ExecutionStage = StageSkippedAfterRejection
	}
	return s, nil
}

// HITLApproved reports whether the resolved gate permits a full scan.
func HITLApproved(s scan.State) bool {
	meta, _ := s.RepoMetadata["hitl"].(map[string]any)
	raw, _ := meta["decision"].(map[string]any)
	return stringOr(raw, "decision", "") == scan.DecisionApprove
}

// BuildHITLGraph compiles the gate subgraph.
func (e *Engine) BuildHITLGraph() (*graph.Graph, error) {
	return graph.New().
		AddNode("prompt", e.PromptHITL).
		AddNode("wait", e.WaitForDecision).
		AddNode("apply", e.ApplyDecision).
		AddEdge("prompt", "wait").
		AddEdge("wait", "apply").
		AddEdge("apply", graph.End).
		SetEntry("prompt").
		Compile()
}
