// Package service owns scan lifecycle: registration, background execution,
// status projection, and the HITL decision inbox. It is the only holder of
// ephemeral credentials; workflow state never retains them past auth.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deplai/scan-engine/pkg/config"
	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/engine"
	"github.com/deplai/scan-engine/pkg/graph"
	"github.com/deplai/scan-engine/pkg/hosting/github"
	"github.com/deplai/scan-engine/pkg/logger"
	"github.com/deplai/scan-engine/pkg/metrics"
)

// Options wires a ScanService.
type Options struct {
	Config  config.Config
	Sandbox *docker.Sandbox
	Tools   *tools.Runtime
	Hosting *github.Client
	Store   engine.ResultStore
	Metrics *metrics.Metrics
}

// ScanService runs scans in the background and serves their snapshots.
type ScanService struct {
	mu        sync.Mutex
	states    map[string]scan.State
	tokens    map[string]string
	decisions map[string]scan.HITLDecision

	master  *graph.Graph
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// StatusView is the read model the status endpoint serves.
type StatusView struct {
	ScanID       string   `json:"scan_id"`
	Status       string   `json:"status"`
	CurrentPhase string   `json:"current_phase"`
	Messages     []string `json:"messages"`
	Errors       []string `json:"errors"`
}

// New builds the service and its engine. The engine's decision and token
// providers are closures over the service's own maps, so credentials and
// verdicts reach the workflow without ever living in serialized state.
func New(opts Options) (*ScanService, error) {
	svc := &ScanService{
		states:    map[string]scan.State{},
		tokens:    map[string]string{},
		decisions: map[string]scan.HITLDecision{},
		metrics:   opts.Metrics,
		log:       logger.Component("service"),
	}

	eng := engine.New(engine.Options{
		Config:    opts.Config,
		Sandbox:   opts.Sandbox,
		Tools:     opts.Tools,
		Hosting:   opts.Hosting,
		Store:     opts.Store,
		Metrics:   opts.Metrics,
		Decisions: svc.decisionFor,
		Tokens:    svc.tokenFor,
	})
	master, err := eng.BuildMasterGraph()
	if err != nil {
		return nil, err
	}
	svc.master = master
	return svc, nil
}

func (s *ScanService) decisionFor(scanID string) (scan.HITLDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[scanID]
	return d, ok
}

func (s *ScanService) tokenFor(scanID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[scanID]
	return t, ok && t != ""
}

// StartScan registers a scan and launches it in the background. The token
// goes into the ephemeral map only; the returned scan id addresses every
// later interaction.
func (s *ScanService) StartScan(repoURL, projectID, githubToken string) string {
	scanID := uuid.NewString()

	st := scan.BuildInitialState(scanID, repoURL)
	st.RepoMetadata["project"] = map[string]any{"project_id": projectID}
	st.Phase = scan.PhaseStarted
	st.Messages = append(st.Messages, "Scan started")

	s.mu.Lock()
	s.states[scanID] = st
	if githubToken != "" {
		s.tokens[scanID] = githubToken
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ScansStarted.Inc()
	}
	s.log.Info().Str("scan_id", scanID).Str("repo_url", repoURL).Msg("scan started")
	go s.run(scanID)
	return scanID
}

func (s *ScanService) run(scanID string) {
	started := time.Now()

	s.mu.Lock()
	st := s.states[scanID].Clone()
	token := s.tokens[scanID]
	s.mu.Unlock()

	st.Phase = scan.PhaseRunningScan
	st.Messages = append(st.Messages, "Validation and setup running")
	s.snapshot(scanID, st)

	// the only moment the credential touches state; auth clears it again
	// and the registry never sees it
	st.GithubToken = token
	final, err := s.master.Run(context.Background(), st)
	if err != nil {
		final = st.AppendError("Scan execution failed: " + err.Error())
		final.Phase = scan.PhaseError
	}
	final.GithubToken = ""

	if final.HasErrors() {
		final.Messages = append(final.Messages, "Scan failed")
		if s.metrics != nil {
			s.metrics.ScansFailed.Inc()
		}
	} else {
		final.Messages = append(final.Messages, "Scan completed")
		if s.metrics != nil {
			s.metrics.ScansCompleted.Inc()
			s.metrics.FindingsTotal.Observe(float64(len(final.IntelligentFindings)))
		}
	}
	s.snapshot(scanID, final)

	s.mu.Lock()
	delete(s.tokens, scanID)
	delete(s.decisions, scanID)
	s.mu.Unlock()

	s.log.Info().
		Str("scan_id", scanID).
		Str("phase", final.Phase).
		Int("findings", len(final.IntelligentFindings)).
		Dur("duration", time.Since(started)).
		Msg("scan finished")
}

func (s *ScanService) snapshot(scanID string, st scan.State) {
	s.mu.Lock()
	s.states[scanID] = st.Clone()
	s.mu.Unlock()
}

// Status projects the running/failed/completed view of a scan.
func (s *ScanService) Status(scanID string) (StatusView, bool) {
	s.mu.Lock()
	st, ok := s.states[scanID]
	s.mu.Unlock()
	if !ok {
		return StatusView{}, false
	}

	status := "completed"
	switch {
	case st.Phase == scan.PhaseStarted || st.Phase == scan.PhaseRunningScan || st.Phase == scan.PhaseMasterOrchestrator:
		status = "running"
	case st.HasErrors():
		status = "failed"
	}
	return StatusView{
		ScanID:       scanID,
		Status:       status,
		CurrentPhase: st.Phase,
		Messages:     append([]string(nil), st.Messages...),
		Errors:       append([]string(nil), st.Errors...),
	}, true
}

// Results returns the sanitized full state of a scan.
func (s *ScanService) Results(scanID string) (scan.State, bool) {
	s.mu.Lock()
	st, ok := s.states[scanID]
	s.mu.Unlock()
	if !ok {
		return scan.State{}, false
	}
	return st.Sanitized(), true
}

// SubmitDecision records an external HITL verdict. Only approve and reject
// are accepted, and only for known scans. The verdict goes into the
// decision inbox the workflow polls, and is mirrored into the registered
// snapshot's hitl metadata so status readers see it too.
func (s *ScanService) SubmitDecision(scanID, decision, actor, reason string) (string, bool) {
	if decision != scan.DecisionApprove && decision != scan.DecisionReject {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[scanID]
	if !ok {
		return "", false
	}
	at := time.Now().UTC().Format(time.RFC3339)
	s.decisions[scanID] = scan.HITLDecision{
		Decision: decision,
		Actor:    actor,
		Reason:   reason,
		At:       at,
	}

	meta, _ := st.RepoMetadata["hitl"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["decision"] = map[string]any{
		"decision": decision,
		"actor":    actor,
		"reason":   reason,
		"at":       at,
	}
	st.RepoMetadata["hitl"] = meta
	s.states[scanID] = st
	return decision, true
}
