package scan

// PhaseStatus tracks the lifecycle of one workflow phase.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseRunning    PhaseStatus = "running"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Top-level phase discriminants carried in State.Phase.
const (
	PhaseMasterOrchestrator = "master_orchestrator"
	PhaseStarted            = "started"
	PhaseRunningScan        = "running"
	PhaseValidation         = "validation"
	PhaseGithubAuth         = "github_auth"
	PhaseInitialized        = "initialized"
	PhaseVolumesCreated     = "volumes_created"
	PhaseCodeAcquired       = "code_acquired"
	PhaseStatsComputed      = "stats_computed"
	PhaseMemoryLoaded       = "memory_loaded"
	PhaseSizeChecked        = "size_checked"
	PhaseAnalysis           = "analysis"
	PhaseAnalysisCompleted  = "analysis_completed"
	PhaseCorrelation        = "correlation_decision"
	PhaseCorrelationDone    = "correlation_decision_completed"
	PhaseExecution          = "execution_phase"
	PhaseExecutionCompleted = "execution_completed"
	PhaseHITLWaiting        = "hitl_waiting"
	PhaseHITLResolved       = "hitl_resolved"
	PhaseHITLRequired       = "hitl_required"
	PhaseDone               = "completed"
	PhaseError              = "error"
)

// TimelineEvent is one append-only entry in the phase timeline.
type TimelineEvent struct {
	Phase string `json:"phase"`
	Event string `json:"event"`
	At    string `json:"at"`
}

// ToolOutput is the raw envelope a scanner or tool run produces.
type ToolOutput struct {
	Tool     string           `json:"tool"`
	Findings []map[string]any `json:"findings"`
	Summary  map[string]any   `json:"summary"`
}

// Finding is the scanner-layer normalized record, keyed by
// (scanner, type, file, line).
type Finding struct {
	ID           string `json:"id"`
	Scanner      string `json:"scanner"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	File         string `json:"file"`
	Line         int    `json:"line"`
	Message      string `json:"message"`
	Evidence     string `json:"evidence"`
	CategoryHint string `json:"category_hint"`
}

// ToMap renders the finding in the open shape the dedup pipeline consumes.
func (f Finding) ToMap() map[string]any {
	return map[string]any{
		"id":            f.ID,
		"scanner":       f.Scanner,
		"type":          f.Type,
		"severity":      f.Severity,
		"file":          f.File,
		"line":          f.Line,
		"message":       f.Message,
		"evidence":      f.Evidence,
		"category_hint": f.CategoryHint,
	}
}

// ToolFinding is the tool-layer normalized record produced by the tool runtime.
type ToolFinding struct {
	Category       string  `json:"category"`
	Title          string  `json:"title"`
	Severity       string  `json:"severity"`
	Evidence       string  `json:"evidence"`
	ToolProvenance string  `json:"tool_provenance"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	OriginParser   string  `json:"origin_parser"`
}

// ToMap renders the tool finding in the open shape the dedup pipeline consumes.
func (f ToolFinding) ToMap() map[string]any {
	return map[string]any{
		"category":        f.Category,
		"title":           f.Title,
		"severity":        f.Severity,
		"evidence":        f.Evidence,
		"tool_provenance": f.ToolProvenance,
		"confidence":      f.Confidence,
		"reasoning":       f.Reasoning,
		"origin_parser":   f.OriginParser,
	}
}

// PlanEntry is one ordered item of the execution plan.
type PlanEntry struct {
	Order    int     `json:"order"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// ExecutionRecord captures one tool run inside a category battery.
type ExecutionRecord struct {
	ToolName        string  `json:"tool_name"`
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	Status          string  `json:"status"`
	Confidence      float64 `json:"confidence"`
	FindingCount    int     `json:"finding_count"`
	ExitCode        int     `json:"exit_code"`
}

// CategoryResult is the per-category output of the execution phase.
type CategoryResult struct {
	Category           string            `json:"category"`
	Order              int               `json:"order"`
	Score              float64           `json:"score"`
	CategoryStatus     string            `json:"category_status"`
	CategoryConfidence float64           `json:"category_confidence"`
	ExecutionRecord    []ExecutionRecord `json:"execution_record"`
	AggregatedFindings []ToolFinding     `json:"aggregated_findings"`
}

// Category status values for CategoryResult.CategoryStatus.
const (
	CategoryCompleted     = "completed"
	CategoryLowConfidence = "low_confidence"
)

// Artifact is a finding payload labeled with its origin, entering dedup.
type Artifact struct {
	Source  string         `json:"source"`
	Format  string         `json:"format"`
	Payload map[string]any `json:"payload"`
}

// UnifiedFinding is the schema-mapped record used by the dedup stages.
type UnifiedFinding struct {
	FindingID   string   `json:"finding_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	OwaspID     string   `json:"owasp_id,omitempty"`
	Severity    string   `json:"severity"`
	Evidence    string   `json:"evidence"`
	FilePath    string   `json:"file_path"`
	LineNumber  *int     `json:"line_number"`
	ToolSources []string `json:"tool_sources"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// Cluster groups unified findings that dedup decided belong together.
type Cluster struct {
	ClusterID string           `json:"cluster_id"`
	RootCause string           `json:"root_cause,omitempty"`
	Findings  []UnifiedFinding `json:"findings"`
}

// MergedCluster is a cluster collapsed to one canonical record.
type MergedCluster struct {
	ClusterID         string         `json:"cluster_id"`
	RootCause         string         `json:"root_cause"`
	Representative    UnifiedFinding `json:"representative"`
	Evidence          []string       `json:"evidence"`
	ToolSources       []string       `json:"tool_sources"`
	AverageConfidence float64        `json:"average_confidence"`
	Reasoning         string         `json:"reasoning"`
	FindingCount      int            `json:"finding_count"`
}

// IntelligentFinding is the post-dedup, post-severity-adjustment record;
// the primary output of a scan.
type IntelligentFinding struct {
	FindingID   string   `json:"finding_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	OwaspID     string   `json:"owasp_id"`
	Severity    string   `json:"severity"`
	Evidence    []string `json:"evidence"`
	FilePath    string   `json:"file_path"`
	LineNumber  *int     `json:"line_number"`
	ToolSources []string `json:"tool_sources"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	ClusterSize int      `json:"cluster_size"`
}

// CleanupStatus tracks the idempotent teardown of a scan.
type CleanupStatus struct {
	PersistenceCompleted bool `json:"persistence_completed"`
	PersistedCount       int  `json:"persisted_count"`
	VolumeRemoved        bool `json:"volume_removed"`
	Completed            bool `json:"completed"`
}

// HITLDecision is a normalized human verdict on an oversized scan.
type HITLDecision struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Source   string `json:"source,omitempty"`
	At       string `json:"at,omitempty"`
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)
