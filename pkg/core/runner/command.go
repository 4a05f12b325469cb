// Package runner executes external commands behind an interface so
// container-backed code paths stay testable without a container daemon.
package runner

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/deplai/scan-engine/pkg/logger"
)

// Result carries the full outcome of one command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner is an interface for executing commands and getting the
// output/error. A nonzero exit is reported through Result.ExitCode with a
// nil error; a non-nil error means the command could not run at all
// (missing binary, cancelled context).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

type DefaultCommandRunner struct{}

var _ CommandRunner = &DefaultCommandRunner{}

func (d *DefaultCommandRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	logger.Debugf("Running command: %s %v", name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// IsNotFound reports whether err indicates the executable is absent.
func IsNotFound(err error) bool {
	for err != nil {
		if err == exec.ErrNotFound {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// FakeResponse is one scripted outcome for FakeCommandRunner.
type FakeResponse struct {
	Result Result
	Err    error
}

// FakeCommandRunner replays scripted responses in order and records every
// call for assertion.
type FakeCommandRunner struct {
	Responses []FakeResponse
	Calls     [][]string
}

var _ CommandRunner = &FakeCommandRunner{}

func (f *FakeCommandRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.Calls = append(f.Calls, append([]string{name}, args...))
	if len(f.Responses) == 0 {
		return Result{}, nil
	}
	r := f.Responses[0]
	f.Responses = f.Responses[1:]
	return r.Result, r.Err
}
