// Package scan defines the shared scan state and its write discipline.
// Nodes receive a snapshot, never the live value; Merge is the only
// sanctioned way to produce the next snapshot.
package scan

import (
	"regexp"
	"time"

	"github.com/deplai/scan-engine/pkg/domain/errors"
)

// State is the shared snapshot passed between workflow nodes. All updates
// produce a new snapshot; in-place mutation of a shared value is forbidden.
type State struct {
	ScanID      string `json:"scan_id"`
	RepoURL     string `json:"repo_url"`
	GithubToken string `json:"github_token,omitempty"`
	Phase       string `json:"phase"`

	SetupPhase       PhaseStatus `json:"setup_phase"`
	AnalysisPhase    PhaseStatus `json:"analysis_phase"`
	CorrelationPhase PhaseStatus `json:"correlation_phase"`
	ExecutionPhase   PhaseStatus `json:"execution_phase"`
	HITLPhase        PhaseStatus `json:"hitl_phase"`
	DedupPhase       PhaseStatus `json:"dedup_phase"`

	AnalysisStage    string `json:"analysis_stage,omitempty"`
	CorrelationStage string `json:"correlation_stage,omitempty"`
	ExecutionStage   string `json:"execution_stage,omitempty"`
	DedupStage       string `json:"dedup_stage,omitempty"`
	HITLStage        string `json:"hitl_stage,omitempty"`

	Errors   []string `json:"errors"`
	Messages []string `json:"messages"`

	RepoMetadata  map[string]any    `json:"repo_metadata"`
	DockerVolumes map[string]string `json:"docker_volumes"`
	RequiresHITL  bool              `json:"requires_hitl"`

	RawToolOutputs     []ToolOutput         `json:"raw_tool_outputs"`
	NormalizedFindings []Finding            `json:"normalized_findings"`
	CoverageGaps       []string             `json:"coverage_gaps"`
	RescansTriggered   bool                 `json:"rescans_triggered"`
	OwaspMapped        map[string][]Finding `json:"owasp_mapped"`
	OwaspCategories    []string             `json:"owasp_categories"`

	BaseScores         map[string]float64 `json:"base_scores"`
	CorrelatedScores   map[string]float64 `json:"correlated_scores"`
	SelectedCategories []string           `json:"selected_owasp_categories"`
	FilteredCategories []string           `json:"filtered_categories"`
	ExecutionPlan      []PlanEntry        `json:"execution_plan"`

	Layer6Results []CategoryResult `json:"layer6_results"`
	FinalFindings []map[string]any `json:"final_findings"`

	ArtifactCatalog     []Artifact           `json:"artifact_catalog"`
	UnifiedFindings     []UnifiedFinding     `json:"unified_findings"`
	DedupClusters       []Cluster            `json:"dedup_clusters"`
	MergedClusters      []MergedCluster      `json:"merged_clusters"`
	IntelligentFindings []IntelligentFinding `json:"intelligent_findings"`

	CleanupStatus CleanupStatus `json:"cleanup_status"`

	Telemetry       map[string]any `json:"telemetry"`
	AuditRecord     map[string]any `json:"audit_record"`
	ExternalReport  map[string]any `json:"external_report"`
	ExternalExports map[string]any `json:"external_exports"`

	PhaseTimeline []TimelineEvent `json:"phase_timeline"`
}

// BuildInitialState returns a fresh snapshot with the timeline seeded by a
// single initialized event.
func BuildInitialState(scanID, repoURL string) State {
	s := State{
		ScanID:           scanID,
		RepoURL:          repoURL,
		Phase:            PhaseMasterOrchestrator,
		SetupPhase:       PhaseNotStarted,
		AnalysisPhase:    PhaseNotStarted,
		CorrelationPhase: PhaseNotStarted,
		ExecutionPhase:   PhaseNotStarted,
		HITLPhase:        PhaseNotStarted,
		DedupPhase:       PhaseNotStarted,
		Errors:           []string{},
		Messages:         []string{},
		RepoMetadata:     map[string]any{},
		DockerVolumes:    map[string]string{},
	}
	return s.AppendTimeline(PhaseMasterOrchestrator, "initialized")
}

// Clone deep-copies the snapshot so the caller may mutate freely.
func (s State) Clone() State {
	out := s

	out.Errors = append([]string(nil), s.Errors...)
	out.Messages = append([]string(nil), s.Messages...)
	out.CoverageGaps = append([]string(nil), s.CoverageGaps...)
	out.OwaspCategories = append([]string(nil), s.OwaspCategories...)
	out.SelectedCategories = append([]string(nil), s.SelectedCategories...)
	out.FilteredCategories = append([]string(nil), s.FilteredCategories...)
	out.ExecutionPlan = append([]PlanEntry(nil), s.ExecutionPlan...)
	out.NormalizedFindings = append([]Finding(nil), s.NormalizedFindings...)
	out.PhaseTimeline = append([]TimelineEvent(nil), s.PhaseTimeline...)

	out.RepoMetadata = deepCopyMap(s.RepoMetadata)
	out.Telemetry = deepCopyMap(s.Telemetry)
	out.AuditRecord = deepCopyMap(s.AuditRecord)
	out.ExternalReport = deepCopyMap(s.ExternalReport)
	out.ExternalExports = deepCopyMap(s.ExternalExports)

	if s.DockerVolumes != nil {
		out.DockerVolumes = make(map[string]string, len(s.DockerVolumes))
		for k, v := range s.DockerVolumes {
			out.DockerVolumes[k] = v
		}
	}
	if s.BaseScores != nil {
		out.BaseScores = make(map[string]float64, len(s.BaseScores))
		for k, v := range s.BaseScores {
			out.BaseScores[k] = v
		}
	}
	if s.CorrelatedScores != nil {
		out.CorrelatedScores = make(map[string]float64, len(s.CorrelatedScores))
		for k, v := range s.CorrelatedScores {
			out.CorrelatedScores[k] = v
		}
	}
	if s.OwaspMapped != nil {
		out.OwaspMapped = make(map[string][]Finding, len(s.OwaspMapped))
		for k, v := range s.OwaspMapped {
			out.OwaspMapped[k] = append([]Finding(nil), v...)
		}
	}

	if s.RawToolOutputs != nil {
		out.RawToolOutputs = make([]ToolOutput, len(s.RawToolOutputs))
		for i, t := range s.RawToolOutputs {
			out.RawToolOutputs[i] = ToolOutput{
				Tool:     t.Tool,
				Findings: deepCopySliceOfMaps(t.Findings),
				Summary:  deepCopyMap(t.Summary),
			}
		}
	}
	if s.FinalFindings != nil {
		out.FinalFindings = deepCopySliceOfMaps(s.FinalFindings)
	}
	if s.ArtifactCatalog != nil {
		out.ArtifactCatalog = make([]Artifact, len(s.ArtifactCatalog))
		for i, a := range s.ArtifactCatalog {
			out.ArtifactCatalog[i] = Artifact{Source: a.Source, Format: a.Format, Payload: deepCopyMap(a.Payload)}
		}
	}
	if s.UnifiedFindings != nil {
		out.UnifiedFindings = make([]UnifiedFinding, len(s.UnifiedFindings))
		for i, u := range s.UnifiedFindings {
			out.UnifiedFindings[i] = cloneUnified(u)
		}
	}
	if s.DedupClusters != nil {
		out.DedupClusters = make([]Cluster, len(s.DedupClusters))
		for i, c := range s.DedupClusters {
			fs := make([]UnifiedFinding, len(c.Findings))
			for j, u := range c.Findings {
				fs[j] = cloneUnified(u)
			}
			out.DedupClusters[i] = Cluster{ClusterID: c.ClusterID, RootCause: c.RootCause, Findings: fs}
		}
	}
	if s.MergedClusters != nil {
		out.MergedClusters = make([]MergedCluster, len(s.MergedClusters))
		for i, m := range s.MergedClusters {
			out.MergedClusters[i] = MergedCluster{
				ClusterID:         m.ClusterID,
				RootCause:         m.RootCause,
				Representative:    cloneUnified(m.Representative),
				Evidence:          append([]string(nil), m.Evidence...),
				ToolSources:       append([]string(nil), m.ToolSources...),
				AverageConfidence: m.AverageConfidence,
				Reasoning:         m.Reasoning,
				FindingCount:      m.FindingCount,
			}
		}
	}
	if s.IntelligentFindings != nil {
		out.IntelligentFindings = make([]IntelligentFinding, len(s.IntelligentFindings))
		for i, f := range s.IntelligentFindings {
			c := f
			c.Evidence = append([]string(nil), f.Evidence...)
			c.ToolSources = append([]string(nil), f.ToolSources...)
			if f.LineNumber != nil {
				n := *f.LineNumber
				c.LineNumber = &n
			}
			out.IntelligentFindings[i] = c
		}
	}
	if s.Layer6Results != nil {
		out.Layer6Results = make([]CategoryResult, len(s.Layer6Results))
		for i, r := range s.Layer6Results {
			out.Layer6Results[i] = CategoryResult{
				Category:           r.Category,
				Order:              r.Order,
				Score:              r.Score,
				CategoryStatus:     r.CategoryStatus,
				CategoryConfidence: r.CategoryConfidence,
				ExecutionRecord:    append([]ExecutionRecord(nil), r.ExecutionRecord...),
				AggregatedFindings: append([]ToolFinding(nil), r.AggregatedFindings...),
			}
		}
	}
	return out
}

func cloneUnified(u UnifiedFinding) UnifiedFinding {
	c := u
	c.ToolSources = append([]string(nil), u.ToolSources...)
	if u.LineNumber != nil {
		n := *u.LineNumber
		c.LineNumber = &n
	}
	return c
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopySliceOfMaps(in []map[string]any) []map[string]any {
	out := make([]map[string]any, len(in))
	for i, m := range in {
		out[i] = deepCopyMap(m)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []map[string]any:
		return deepCopySliceOfMaps(t)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Merge clones old, applies the update, and validates the result. It is the
// only sanctioned write path; the forbidden-secret-key guard runs on the
// outcome so a rejected update never escapes.
func Merge(old State, apply func(*State)) (State, error) {
	next := old.Clone()
	apply(&next)
	if err := next.Validate(); err != nil {
		return old, err
	}
	return next, nil
}

// AppendTimeline returns a new snapshot with one more timeline entry.
// Existing entries are never rewritten.
func (s State) AppendTimeline(phase, event string) State {
	next := s.Clone()
	next.PhaseTimeline = append(next.PhaseTimeline, TimelineEvent{
		Phase: phase,
		Event: event,
		At:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	return next
}

// AppendError returns a new snapshot with an appended structured error string.
func (s State) AppendError(msg string) State {
	next := s.Clone()
	next.Errors = append(next.Errors, msg)
	return next
}

// HasErrors reports whether the scan carries any error or sits in the error
// phase.
func (s State) HasErrors() bool {
	return s.Phase == PhaseError || len(s.Errors) > 0
}

// Terminal reports whether the scan reached a terminal phase.
func (s State) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseError
}

// secretKeyPattern matches metadata keys that look like credentials.
var secretKeyPattern = regexp.MustCompile(`(?i)(token|key)`)

// allowedSecretKeys is the only set of secret-like keys merge accepts.
var allowedSecretKeys = map[string]bool{
	"github_token": true,
}

// Validate enforces the write guard: no direct key of an open mapping may
// look like a secret unless allow-listed. Section payloads below that level
// are annotation values (auth results legitimately record token_present and
// friends), so the guard stops at the key surface callers write to.
// Violations are fatal to the scan.
func (s State) Validate() error {
	for _, m := range []map[string]any{s.RepoMetadata, s.Telemetry, s.AuditRecord, s.ExternalReport, s.ExternalExports} {
		if err := guardKeys(m); err != nil {
			return err
		}
	}
	return nil
}

func guardKeys(m map[string]any) error {
	for k := range m {
		if secretKeyPattern.MatchString(k) && !allowedSecretKeys[k] {
			return errors.New(errors.CodeForbiddenSecretKey, "scan",
				"refusing to store secret-like key "+k, nil)
		}
	}
	return nil
}

// Sanitized returns a copy with the ephemeral credential stripped, for
// serialization to clients or storage.
func (s State) Sanitized() State {
	next := s.Clone()
	next.GithubToken = ""
	return next
}
