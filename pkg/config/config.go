// Package config loads engine configuration from an optional YAML file with
// environment overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/deplai/scan-engine/pkg/domain/errors"
)

// HITL controls the human-in-the-loop gate.
type HITL struct {
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	DefaultDecision string `yaml:"default_decision"`
}

// Docker names the images used by sandboxed jobs.
type Docker struct {
	GitImage     string `yaml:"git_image"`
	ScannerImage string `yaml:"scanner_image"`
	ToolImage    string `yaml:"tool_image"`
}

// Config is the full engine configuration.
type Config struct {
	ListenAddr         string `yaml:"listen_addr"`
	DBPath             string `yaml:"db_path"`
	LogLevel           string `yaml:"log_level"`
	SizeThresholdBytes int64  `yaml:"size_threshold_bytes"`
	HITL               HITL   `yaml:"hitl"`
	Docker             Docker `yaml:"docker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DBPath:             "deplai_scans.db",
		LogLevel:           "info",
		SizeThresholdBytes: 20 * 1024 * 1024,
		HITL: HITL{
			TimeoutSeconds:  60,
			DefaultDecision: "reject",
		},
		Docker: Docker{
			GitImage:     "alpine/git",
			ScannerImage: "python:3.12-alpine",
			ToolImage:    "python:3.11-alpine",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.New(errors.CodeOperationFailed, "config", "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New(errors.CodeValidationFailed, "config", "failed to parse config file", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEPLAI_SCAN_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SCAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DEPLAI_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DEPLAI_HITL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HITL.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("DEPLAI_HITL_DEFAULT_DECISION"); v != "" {
		c.HITL.DefaultDecision = v
	}
}
