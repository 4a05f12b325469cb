package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/redact"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/domain/errors"
	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
	"github.com/deplai/scan-engine/pkg/hosting/github"
)

// Clone timeout policy: base plus a size-proportional allowance, clamped.
const (
	cloneBaseTimeout  = 120 * time.Second
	cloneMaxTimeout   = 600 * time.Second
	cloneOuterPadding = 10 * time.Second
	cloneKBPerSecond  = 50
)

// structuredError is the JSON shape appended to errors[] for setup
// failures that carry diagnostics.
type structuredError struct {
	Component string `json:"component"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	ExitCode  int    `json:"exit_code"`
	Stderr    string `json:"stderr"`
}

func (se structuredError) appendTo(s scan.State) scan.State {
	data, err := json.Marshal(se)
	if err != nil {
		return s.AppendError(se.Reason)
	}
	return s.AppendError(string(data))
}

// CreateVolume provisions the per-scan workspace volume.
func (e *Engine) CreateVolume(ctx context.Context, s scan.State) (scan.State, error) {
	name := docker.VolumeName(s.ScanID)
	if err := e.sandbox.CreateVolume(ctx, name); err != nil {
		s = s.AppendError("Workspace volume creation failed: " + err.Error())
		s.Phase = scan.PhaseError
		return s, nil
	}
	s.DockerVolumes["code"] = name
	s.Phase = scan.PhaseVolumesCreated
	return s, nil
}

// Clone scripts wipe the mount and perform a shallow single-branch clone.
// The URL and auth header travel via environment so neither shows up in
// container argv, and the auth variant is used only when a credential is
// present so an anonymous clone carries no trace of the auth mechanism.
const (
	cloneScript     = `rm -rf ./* ./.git 2>/dev/null; git clone --depth 1 --single-branch --no-tags --no-recurse-submodules "$REPO_URL" .`
	cloneScriptAuth = `rm -rf ./* ./.git 2>/dev/null; git -c "$GIT_AUTH_FLAG" clone --depth 1 --single-branch --no-tags --no-recurse-submodules "$REPO_URL" .`
)

// CloneRepository clones into the workspace volume. With a credential the
// first attempt sends it as an Authorization Bearer extra-header; on
// failure a single credential-free retry supports public repos behind a
// stale token.
func (e *Engine) CloneRepository(ctx context.Context, s scan.State) (scan.State, error) {
	volume := s.DockerVolumes["code"]
	if volume == "" {
		s = s.AppendError("Clone aborted: no workspace volume")
		s.Phase = scan.PhaseError
		return s, nil
	}

	token, _ := e.token(s.ScanID)
	timeout := e.cloneTimeout(ctx, token, s.RepoURL)

	outerCtx, cancel := context.WithTimeout(ctx, timeout+cloneOuterPadding)
	defer cancel()

	res, err := e.runClone(outerCtx, volume, s.RepoURL, token, timeout)
	if err == nil && res.ExitCode != 0 && token != "" {
		// stale or over-scoped token; public repos still clone anonymously
		e.log.Warn().Str("scan_id", s.ScanID).Msg("authenticated clone failed, retrying without credentials")
		res, err = e.runClone(outerCtx, volume, s.RepoURL, "", timeout)
	}

	switch {
	case err != nil && errors.HasCode(err, errors.CodeTimeoutError):
		s = structuredError{
			Component: "Cloner",
			Code:      string(errors.CodeCloneTimeout),
			Reason:    fmt.Sprintf("clone exceeded %s", timeout),
			ExitCode:  tools.ExitTimeout,
			Stderr:    redact.CloneText(res.Stderr),
		}.appendTo(s)
		s.Phase = scan.PhaseError
		return s, nil
	case err != nil:
		s = structuredError{
			Component: "Cloner",
			Code:      string(errors.CodeCloneStartFailed),
			Reason:    err.Error(),
			ExitCode:  tools.ExitExecutorMissing,
			Stderr:    redact.CloneText(res.Stderr),
		}.appendTo(s)
		s.Phase = scan.PhaseError
		return s, nil
	case res.ExitCode != 0:
		s = structuredError{
			Component: "Cloner",
			Code:      string(errors.CodeCloneFailed),
			Reason:    "git clone exited nonzero",
			ExitCode:  tools.ExitFailure,
			Stderr:    redact.CloneText(res.Stderr),
		}.appendTo(s)
		s.Phase = scan.PhaseError
		return s, nil
	}

	s.Phase = scan.PhaseCodeAcquired
	return s, nil
}

func (e *Engine) runClone(ctx context.Context, volume, repoURL, token string, timeout time.Duration) (docker.ExecResult, error) {
	env := map[string]string{"REPO_URL": repoURL}
	script := cloneScript
	if token != "" {
		env["GIT_AUTH_FLAG"] = "http.extraheader=AUTHORIZATION: Bearer " + token
		script = cloneScriptAuth
	}
	return e.sandbox.Exec(ctx, docker.ExecOptions{
		Image:      e.cfg.Docker.GitImage,
		Entrypoint: "sh",
		Command:    []string{"-c", script},
		Volume:     volume,
		ReadWrite:  true,
		Network:    "bridge",
		Env:        env,
		Timeout:    timeout,
	})
}

// cloneTimeout sizes the clone deadline from the hosting API's repository
// size, falling back to the base when the lookup fails.
func (e *Engine) cloneTimeout(ctx context.Context, token, repoURL string) time.Duration {
	owner, repo, err := github.ParseOwnerRepo(repoURL)
	if err != nil {
		return cloneBaseTimeout
	}
	sizeKB, err := e.hosting.RepoSizeKB(ctx, token, owner, repo)
	if err != nil {
		return cloneBaseTimeout
	}
	timeout := cloneBaseTimeout + time.Duration(sizeKB/cloneKBPerSecond)*time.Second
	if timeout > cloneMaxTimeout {
		return cloneMaxTimeout
	}
	if timeout < cloneBaseTimeout {
		return cloneBaseTimeout
	}
	return timeout
}

// statsScript walks the workspace inside the sandbox and prints the stats
// document as its only stdout line.
const statsScript = `
import os, json
exts = {'.py': 'python', '.ts': 'typescript', '.js': 'javascript', '.java': 'java', '.go': 'go', '.rs': 'rust'}
total = 0
size = 0
langs = {}
for root, dirs, files in os.walk('/workspace'):
    dirs[:] = [d for d in dirs if d != '.git']
    for fn in files:
        p = os.path.join(root, fn)
        try:
            st = os.stat(p)
        except OSError:
            continue
        total += 1
        size += st.st_size
        lang = exts.get(os.path.splitext(fn)[1].lower(), 'other')
        langs[lang] = langs.get(lang, 0) + 1
print(json.dumps({'total_files': total, 'total_size_bytes': size, 'language_breakdown': langs}))
`

// ComputeStats runs the counting job in the sandbox and records the result.
func (e *Engine) ComputeStats(ctx context.Context, s scan.State) (scan.State, error) {
	res, err := e.sandbox.Exec(ctx, docker.ExecOptions{
		Image:   e.cfg.Docker.ScannerImage,
		Command: []string{"python", "-c", statsScript},
		Volume:  s.DockerVolumes["code"],
		Timeout: tools.DefaultToolTimeout,
	})
	if err != nil || res.ExitCode != 0 {
		reason := lastNonEmpty(res.Stderr)
		if err != nil {
			reason = err.Error()
		}
		s = s.AppendError("Codebase stats failed: " + reason)
		s.Phase = scan.PhaseError
		return s, nil
	}

	var stats struct {
		TotalFiles        int            `json:"total_files"`
		TotalSizeBytes    int64          `json:"total_size_bytes"`
		LanguageBreakdown map[string]int `json:"language_breakdown"`
	}
	if jsonErr := json.Unmarshal([]byte(lastLine(res.Stdout)), &stats); jsonErr != nil {
		s = s.AppendError("Codebase stats failed: malformed stats output")
		s.Phase = scan.PhaseError
		return s, nil
	}

	breakdown := map[string]any{}
	for lang, n := range stats.LanguageBreakdown {
		breakdown[lang] = n
	}
	s.RepoMetadata["stats"] = map[string]any{
		"total_files":        stats.TotalFiles,
		"total_size_bytes":   stats.TotalSizeBytes,
		"language_breakdown": breakdown,
	}
	s.Phase = scan.PhaseStatsComputed
	return s, nil
}

// LoadMemory is a placeholder for prior-scan context retrieval.
func (e *Engine) LoadMemory(_ context.Context, s scan.State) (scan.State, error) {
	s.RepoMetadata["historical_context"] = map[string]any{
		"previous_findings_count": 0,
		"last_scan_status":        "none",
		"source":                  "mock",
	}
	s.Phase = scan.PhaseMemoryLoaded
	return s, nil
}

// CheckSize latches the HITL gate when the workspace exceeds the threshold.
func (e *Engine) CheckSize(_ context.Context, s scan.State) (scan.State, error) {
	var totalSize int64
	if stats, ok := s.RepoMetadata["stats"].(map[string]any); ok {
		switch v := stats["total_size_bytes"].(type) {
		case int64:
			totalSize = v
		case int:
			totalSize = int64(v)
		case float64:
			totalSize = int64(v)
		}
	}

	threshold := e.cfg.SizeThresholdBytes
	exceeds := totalSize > threshold
	if exceeds {
		s.RequiresHITL = true
	}
	s.RepoMetadata["size_check"] = map[string]any{
		"total_size_bytes": totalSize,
		"threshold_bytes":  threshold,
		"exceeds":          exceeds,
	}
	s.Phase = scan.PhaseSizeChecked
	return s, nil
}

// BuildSetupGraph compiles the setup subgraph.
func (e *Engine) BuildSetupGraph() (*graph.Graph, error) {
	b := graph.New().
		AddNode("volume_creator", e.CreateVolume).
		AddNode("cloner", e.CloneRepository).
		AddNode("stats", e.ComputeStats).
		AddNode("memory_loader", e.LoadMemory).
		AddNode("size_checker", e.CheckSize).
		SetEntry("volume_creator")

	b.AddConditionalEdge("volume_creator", routeIfError,
		map[string]string{"error": graph.End, "continue": "cloner"})
	b.AddConditionalEdge("cloner", routeIfError,
		map[string]string{"error": graph.End, "continue": "stats"})
	b.AddConditionalEdge("stats", routeIfError,
		map[string]string{"error": graph.End, "continue": "memory_loader"})
	b.AddEdge("memory_loader", "size_checker")
	b.AddEdge("size_checker", graph.End)
	return b.Compile()
}
