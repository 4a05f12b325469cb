package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, int64(20*1024*1024), cfg.SizeThresholdBytes)
	assert.Equal(t, 60, cfg.HITL.TimeoutSeconds)
	assert.Equal(t, "reject", cfg.HITL.DefaultDecision)
	assert.Equal(t, "alpine/git", cfg.Docker.GitImage)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
db_path: /var/lib/deplai/scans.db
hitl:
  timeout_seconds: 120
  default_decision: approve
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/deplai/scans.db", cfg.DBPath)
	assert.Equal(t, 120, cfg.HITL.TimeoutSeconds)
	assert.Equal(t, "approve", cfg.HITL.DefaultDecision)
	// untouched fields keep defaults
	assert.Equal(t, "python:3.11-alpine", cfg.Docker.ToolImage)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEPLAI_SCAN_DB_PATH", "/tmp/override.db")
	t.Setenv("DEPLAI_HITL_TIMEOUT_SECONDS", "30")
	t.Setenv("DEPLAI_HITL_DEFAULT_DECISION", "approve")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.Equal(t, 30, cfg.HITL.TimeoutSeconds)
	assert.Equal(t, "approve", cfg.HITL.DefaultDecision)
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
