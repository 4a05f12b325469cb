package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/config"
	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/runner"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/infrastructure/persistence"
	"github.com/deplai/scan-engine/pkg/metrics"

	githubhosting "github.com/deplai/scan-engine/pkg/hosting/github"
)

type memStore struct {
	rows map[string]persistence.Row
}

func (m *memStore) InsertIfAbsent(row persistence.Row) (int, bool, error) {
	if m.rows == nil {
		m.rows = map[string]persistence.Row{}
	}
	if existing, ok := m.rows[row.ScanID]; ok {
		return existing.PersistedCount, false, nil
	}
	m.rows[row.ScanID] = row
	return row.PersistedCount, true, nil
}

func newTestService(t *testing.T, fake *runner.FakeCommandRunner) (*ScanService, *memStore) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"login": "tester", "type": "User"})
	})
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"full_name": "test/repo", "size": 10})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	sandbox := docker.NewSandbox(fake)
	store := &memStore{}
	svc, err := New(Options{
		Config:  cfg,
		Sandbox: sandbox,
		Tools:   tools.NewRuntime(sandbox, tools.Catalog(cfg.Docker.ToolImage)),
		Hosting: githubhosting.NewClientWithBase(srv.URL),
		Store:   store,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	return svc, store
}

func okResp(stdout string) runner.FakeResponse {
	return runner.FakeResponse{Result: runner.Result{Stdout: stdout}}
}

func emptyEnvelope() string {
	return `{"findings": [], "summary": {"count": 0}}`
}

func waitTerminal(t *testing.T, svc *ScanService, scanID string) StatusView {
	t.Helper()
	var view StatusView
	require.Eventually(t, func() bool {
		v, ok := svc.Status(scanID)
		if !ok {
			return false
		}
		view = v
		return v.Status != "running"
	}, 10*time.Second, 5*time.Millisecond)
	return view
}

func TestStartScanRunsToCompletion(t *testing.T) {
	inventory := `{"has_python": false, "dependency_manifests": [], "config_files": []}`
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		okResp(""), // volume create
		okResp(""), // clone
		okResp(`{"total_files": 3, "total_size_bytes": 2048, "language_breakdown": {}}`),
		okResp(inventory),
		okResp(emptyEnvelope()), // ast_scanner
		okResp(emptyEnvelope()), // regex_scanner
		okResp(emptyEnvelope()), // dependency_scanner
		okResp(emptyEnvelope()), // config_scanner
		okResp(""),              // volume rm
	}}
	svc, store := newTestService(t, fake)

	scanID := svc.StartScan("https://github.com/test/repo", "proj-1", "ghp_shortlived")
	require.NotEmpty(t, scanID)

	view := waitTerminal(t, svc, scanID)
	require.Equal(t, "completed", view.Status)
	require.Contains(t, view.Messages, "Scan started")
	require.Contains(t, view.Messages, "Scan completed")
	require.Empty(t, view.Errors)

	state, found := svc.Results(scanID)
	require.True(t, found)
	require.Equal(t, "completed", state.Phase)
	require.Empty(t, state.GithubToken, "credential never survives the run")
	require.True(t, state.CleanupStatus.PersistenceCompleted)

	row, persisted := store.rows[scanID]
	require.True(t, persisted)
	require.Equal(t, "proj-1", row.ProjectID)
}

func TestStartScanInvalidRepoFails(t *testing.T) {
	fake := &runner.FakeCommandRunner{}
	svc, store := newTestService(t, fake)

	scanID := svc.StartScan("https://gitlab.com/a/b", "proj-1", "")

	view := waitTerminal(t, svc, scanID)
	require.Equal(t, "failed", view.Status)
	require.Contains(t, view.Errors, "User does not have permission for this repository source")
	require.Contains(t, view.Messages, "Scan failed")
	require.Empty(t, store.rows)
}

func TestTokenHeldOnlyWhileRunning(t *testing.T) {
	fake := &runner.FakeCommandRunner{}
	svc, _ := newTestService(t, fake)

	scanID := svc.StartScan("https://gitlab.com/a/b", "proj-1", "ghp_secret")
	waitTerminal(t, svc, scanID)

	_, held := svc.tokenFor(scanID)
	require.False(t, held, "token map is cleared once the scan finishes")

	state, _ := svc.Results(scanID)
	require.NotContains(t, string(mustMarshal(t, state)), "ghp_secret")
}

func TestStatusUnknownScan(t *testing.T) {
	svc, _ := newTestService(t, &runner.FakeCommandRunner{})

	_, found := svc.Status("no-such-scan")
	require.False(t, found)
	_, found = svc.Results("no-such-scan")
	require.False(t, found)
}

func TestSubmitDecision(t *testing.T) {
	svc, _ := newTestService(t, &runner.FakeCommandRunner{})
	scanID := svc.StartScan("https://gitlab.com/a/b", "proj-1", "")
	waitTerminal(t, svc, scanID)

	_, accepted := svc.SubmitDecision("no-such-scan", "approve", "alice", "")
	require.False(t, accepted)

	_, accepted = svc.SubmitDecision(scanID, "maybe", "alice", "")
	require.False(t, accepted, "only approve and reject are accepted")

	decision, accepted := svc.SubmitDecision(scanID, "approve", "alice", "looks fine")
	require.True(t, accepted)
	require.Equal(t, "approve", decision)

	d, found := svc.decisionFor(scanID)
	require.True(t, found)
	require.Equal(t, "alice", d.Actor)
	require.NotEmpty(t, d.At)

	// the verdict is also mirrored into the snapshot's hitl metadata
	state, _ := svc.Results(scanID)
	meta := state.RepoMetadata["hitl"].(map[string]any)
	mirrored := meta["decision"].(map[string]any)
	require.Equal(t, "approve", mirrored["decision"])
	require.Equal(t, "alice", mirrored["actor"])
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
