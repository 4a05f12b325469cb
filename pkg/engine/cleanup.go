package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
	"github.com/deplai/scan-engine/pkg/infrastructure/persistence"
)

// PersistResults writes the scan row. Persistence failures are appended to
// errors but never abort cleanup; the master graph's final-event router
// decides what an unpersisted scan means.
func (e *Engine) PersistResults(_ context.Context, s scan.State) (scan.State, error) {
	findingsJSON, err := json.Marshal(s.IntelligentFindings)
	if err != nil {
		return s.AppendError("Cleanup persistence failed: " + err.Error()), nil
	}

	projectID := "unknown"
	if project, ok := s.RepoMetadata["project"].(map[string]any); ok {
		projectID = stringOr(project, "project_id", "unknown")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	count, _, err := e.store.InsertIfAbsent(persistence.Row{
		ScanID:         s.ScanID,
		ProjectID:      projectID,
		Status:         "completed",
		Phase:          s.Phase,
		PersistedCount: len(s.IntelligentFindings),
		FindingsJSON:   string(findingsJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return s.AppendError("Cleanup persistence failed: " + err.Error()), nil
	}

	s.CleanupStatus.PersistenceCompleted = true
	s.CleanupStatus.PersistedCount = count
	return s, nil
}

// CleanupVolume removes the workspace volume. Best-effort and latched:
// once removed, reruns are no-ops, and failures only log.
func (e *Engine) CleanupVolume(ctx context.Context, s scan.State) (scan.State, error) {
	if s.CleanupStatus.VolumeRemoved {
		return s, nil
	}
	name := s.DockerVolumes["code"]
	if name == "" {
		s.CleanupStatus.VolumeRemoved = true
		return s, nil
	}
	if err := e.sandbox.RemoveVolume(ctx, name); err != nil {
		e.log.Warn().Str("scan_id", s.ScanID).Str("volume", name).Err(err).Msg("volume cleanup failed")
		return s, nil
	}
	s.CleanupStatus.VolumeRemoved = true
	return s, nil
}

// DispatchFinalEvent closes the scan: it summarizes the run and flips the
// phase to completed when persistence succeeded.
func (e *Engine) DispatchFinalEvent(_ context.Context, s scan.State) (scan.State, error) {
	if s.Phase == scan.PhaseDone {
		return s, nil
	}

	total := s.CleanupStatus.PersistedCount
	if total == 0 {
		total = len(s.IntelligentFindings)
	}

	duration := 0.0
	if len(s.PhaseTimeline) > 0 {
		if start, err := time.Parse(time.RFC3339Nano, s.PhaseTimeline[0].At); err == nil {
			duration = time.Since(start).Seconds()
		}
	}

	status := "failed"
	if s.CleanupStatus.PersistenceCompleted {
		status = "completed"
	}
	s.CleanupStatus.Completed = true
	s.RepoMetadata["final_event"] = map[string]any{
		"scan_id":          s.ScanID,
		"total_findings":   total,
		"duration_seconds": duration,
		"status":           status,
	}
	if s.CleanupStatus.PersistenceCompleted {
		s.Phase = scan.PhaseDone
	}
	return s, nil
}

// HandleError is the terminal node of the master graph's failure path. It
// guarantees a canonical error, records an unpersisted outcome, and forces
// workspace removal so no volume outlives its scan.
func (e *Engine) HandleError(ctx context.Context, s scan.State) (scan.State, error) {
	if len(s.Errors) == 0 {
		s = s.AppendError("Unknown scan error")
	}
	s.RepoMetadata["error_handler"] = map[string]any{
		"persistence_completed": s.CleanupStatus.PersistenceCompleted,
		"handled_at":            time.Now().UTC().Format(time.RFC3339),
	}

	if !s.CleanupStatus.VolumeRemoved {
		if name := s.DockerVolumes["code"]; name != "" {
			if err := e.sandbox.RemoveVolume(ctx, name); err != nil {
				s = s.AppendError("Forced volume cleanup failed: " + err.Error())
			} else {
				s.CleanupStatus.VolumeRemoved = true
			}
		} else {
			s.CleanupStatus.VolumeRemoved = true
		}
	}

	s.Phase = scan.PhaseError
	return s, nil
}

// BuildCleanupGraph compiles the cleanup subgraph.
func (e *Engine) BuildCleanupGraph() (*graph.Graph, error) {
	return graph.New().
		AddNode("result_persister", e.PersistResults).
		AddNode("volume_cleanup", e.CleanupVolume).
		AddEdge("result_persister", "volume_cleanup").
		AddEdge("volume_cleanup", graph.End).
		SetEntry("result_persister").
		Compile()
}
