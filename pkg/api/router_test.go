package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/config"
	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/runner"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/hosting/github"
	"github.com/deplai/scan-engine/pkg/infrastructure/persistence"
	"github.com/deplai/scan-engine/pkg/metrics"
	"github.com/deplai/scan-engine/pkg/service"
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

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"login": "tester", "type": "User"})
	})
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"full_name": "test/repo", "size": 10})
	})
	hosting := httptest.NewServer(mux)
	t.Cleanup(hosting.Close)

	cfg := config.Default()
	sandbox := docker.NewSandbox(&runner.FakeCommandRunner{})
	m := metrics.New()
	scans, err := service.New(service.Options{
		Config:  cfg,
		Sandbox: sandbox,
		Tools:   tools.NewRuntime(sandbox, tools.Catalog(cfg.Docker.ToolImage)),
		Hosting: github.NewClientWithBase(hosting.URL),
		Store:   &memStore{},
		Metrics: m,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(scans, m).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", decodeBody(t, resp)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartScanEndpoint(t *testing.T) {
	srv := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/scan/start", map[string]any{
		"repo_url":   "https://github.com/test/repo",
		"project_id": "proj-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	doc := decodeBody(t, resp)
	require.Equal(t, "started", doc["status"])
	require.NotEmpty(t, doc["scan_id"])
}

func TestStartScanRejectsMissingURL(t *testing.T) {
	srv := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/scan/start", map[string]any{"project_id": "proj-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "repo_url is required", decodeBody(t, resp)["error"])
}

func TestStartScanRejectsBadBody(t *testing.T) {
	srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/scan/start", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusEndpointUnknownScan(t *testing.T) {
	srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/scan/no-such-scan/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "scan not found", decodeBody(t, resp)["error"])
}

func TestStatusAndResultsEndpoints(t *testing.T) {
	srv := newTestAPI(t)

	start := decodeBody(t, postJSON(t, srv.URL+"/scan/start", map[string]any{
		"repo_url": "https://github.com/test/repo",
	}))
	scanID := start["scan_id"].(string)

	resp, err := http.Get(srv.URL + "/scan/" + scanID + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody(t, resp)
	require.Equal(t, scanID, status["scan_id"])
	require.Contains(t, []any{"running", "completed", "failed"}, status["status"])

	resp, err = http.Get(srv.URL + "/scan/" + scanID + "/results")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decodeBody(t, resp)
	require.Equal(t, scanID, results["scan_id"])
	require.Contains(t, results, "state")
}

func TestDecisionEndpoint(t *testing.T) {
	srv := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/scan/no-such-scan/hitl-decision", map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	start := decodeBody(t, postJSON(t, srv.URL+"/scan/start", map[string]any{
		"repo_url": "https://github.com/test/repo",
	}))
	scanID := start["scan_id"].(string)

	resp = postJSON(t, srv.URL+"/scan/"+scanID+"/hitl-decision", map[string]any{"decision": "maybe"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "decision must be approve or reject", decodeBody(t, resp)["error"])

	resp = postJSON(t, srv.URL+"/scan/"+scanID+"/hitl-decision", map[string]any{
		"decision": "approve",
		"actor":    "alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody(t, resp)
	require.Equal(t, true, doc["accepted"])
	require.Equal(t, "approve", doc["decision"])
}
