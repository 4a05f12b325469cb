// Package docker drives the container runtime that hosts every sandboxed
// command: scanner workers, tool batteries, the cloner, the stats job.
// Workspace volumes are named per scan; host paths never leak out.
package docker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deplai/scan-engine/pkg/core/redact"
	"github.com/deplai/scan-engine/pkg/core/runner"
	"github.com/deplai/scan-engine/pkg/domain/errors"
	"github.com/deplai/scan-engine/pkg/logger"
)

// DefaultMountPath is where the workspace volume appears inside a worker.
const DefaultMountPath = "/workspace"

// Resource caps applied to workers running untrusted tool code.
const (
	hardenedCPUs      = "1"
	hardenedMemory    = "512m"
	hardenedPidsLimit = "128"
	hardenedTmpfs     = "/tmp:rw,noexec,nosuid,size=64m"
)

// ExecOptions describes one sandboxed command.
type ExecOptions struct {
	Image      string
	Command    []string
	Entrypoint string
	Volume     string
	MountPath  string
	ReadWrite  bool
	// Network is the docker network mode; empty means none.
	Network  string
	Env      map[string]string
	Timeout  time.Duration
	Hardened bool
}

// ExecResult carries exit code and redacted output of a sandboxed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox runs commands in ephemeral containers through a CommandRunner.
type Sandbox struct {
	runner runner.CommandRunner
	log    zerolog.Logger
}

func NewSandbox(r runner.CommandRunner) *Sandbox {
	return &Sandbox{runner: r, log: logger.Component("sandbox")}
}

// Exec runs one command in an ephemeral container bound to the workspace
// volume. A nonzero container exit is reported in the result, not as an
// error; errors mean the command could not run (missing docker, timeout).
func (s *Sandbox) Exec(ctx context.Context, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"run", "--rm"}
	if opts.Network == "" {
		args = append(args, "--network", "none")
	} else {
		args = append(args, "--network", opts.Network)
	}
	if opts.Entrypoint != "" {
		args = append(args, "--entrypoint", opts.Entrypoint)
	}
	if opts.Hardened {
		args = append(args,
			"--cpus", hardenedCPUs,
			"--memory", hardenedMemory,
			"--pids-limit", hardenedPidsLimit,
			"--read-only",
			"--tmpfs", hardenedTmpfs,
		)
	}
	mountPath := opts.MountPath
	if mountPath == "" {
		mountPath = DefaultMountPath
	}
	if opts.Volume != "" {
		mount := fmt.Sprintf("%s:%s", opts.Volume, mountPath)
		if !opts.ReadWrite {
			mount += ":ro"
		}
		args = append(args, "-v", mount, "-w", mountPath)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	s.log.Debug().Str("image", opts.Image).Str("volume", opts.Volume).Msg("sandbox exec")

	res, err := s.runner.Run(ctx, "docker", args...)
	out := ExecResult{
		ExitCode: res.ExitCode,
		Stdout:   redact.ToolOutput(res.Stdout),
		Stderr:   redact.ToolOutput(res.Stderr),
	}
	if err != nil {
		if runner.IsNotFound(err) {
			return out, errors.New(errors.CodeExecutorMissing, "docker", "Docker executable not found", err)
		}
		if ctx.Err() != nil {
			return out, errors.New(errors.CodeTimeoutError, "docker",
				fmt.Sprintf("sandbox command timed out after %s", opts.Timeout), ctx.Err())
		}
		return out, errors.New(errors.CodeOperationFailed, "docker", "sandbox command failed to start", err)
	}
	return out, nil
}

// CreateVolume provisions a named workspace volume.
func (s *Sandbox) CreateVolume(ctx context.Context, name string) error {
	res, err := s.runner.Run(ctx, "docker", "volume", "create", name)
	if err != nil {
		if runner.IsNotFound(err) {
			return errors.New(errors.CodeExecutorMissing, "docker", "Docker executable not found", err)
		}
		return errors.New(errors.CodeVolumeCreateFailed, "docker", "volume create failed", err)
	}
	if res.ExitCode != 0 {
		return errors.New(errors.CodeVolumeCreateFailed, "docker",
			"volume create failed: "+strings.TrimSpace(res.Stderr), nil)
	}
	s.log.Debug().Str("volume", name).Msg("volume created")
	return nil
}

// RemoveVolume force-removes a workspace volume. A missing volume counts
// as success so cleanup stays idempotent.
func (s *Sandbox) RemoveVolume(ctx context.Context, name string) error {
	res, err := s.runner.Run(ctx, "docker", "volume", "rm", "-f", name)
	if err != nil {
		if runner.IsNotFound(err) {
			return errors.New(errors.CodeExecutorMissing, "docker", "Docker executable not found", err)
		}
		return errors.New(errors.CodeOperationFailed, "docker", "volume remove failed", err)
	}
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "No such volume") {
		return errors.New(errors.CodeOperationFailed, "docker",
			"volume remove failed: "+strings.TrimSpace(res.Stderr), nil)
	}
	return nil
}

var volumeNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// VolumeName derives the per-scan workspace volume name.
func VolumeName(scanID string) string {
	return "deplai_code_" + volumeNameSanitizer.ReplaceAllString(scanID, "_")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
