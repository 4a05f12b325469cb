// Package engine implements the scan workflow: validation, sandboxed setup
// and analysis, correlation scoring, category tool batteries, smart dedup,
// cleanup, and the master orchestrator that strings them together.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/deplai/scan-engine/pkg/config"
	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/hosting/github"
	"github.com/deplai/scan-engine/pkg/infrastructure/persistence"
	"github.com/deplai/scan-engine/pkg/logger"
	"github.com/deplai/scan-engine/pkg/metrics"
)

// DecisionProvider lets an external actor resolve a pending HITL gate.
// It returns the decision for a scan id and whether one was submitted.
type DecisionProvider func(scanID string) (scan.HITLDecision, bool)

// TokenProvider hands out the ephemeral credential for a scan. The token
// lives outside ScanState so that state serialized after authentication
// never carries it; the cloner is the only post-auth consumer.
type TokenProvider func(scanID string) (string, bool)

// ResultStore is the persistence contract cleanup depends on.
type ResultStore interface {
	InsertIfAbsent(row persistence.Row) (int, bool, error)
}

// Options wires an Engine.
type Options struct {
	Config    config.Config
	Sandbox   *docker.Sandbox
	Tools     *tools.Runtime
	Hosting   *github.Client
	Store     ResultStore
	Metrics   *metrics.Metrics
	Decisions DecisionProvider
	Tokens    TokenProvider
}

// Engine holds the collaborators every workflow node draws on.
type Engine struct {
	cfg       config.Config
	sandbox   *docker.Sandbox
	tools     *tools.Runtime
	hosting   *github.Client
	store     ResultStore
	metrics   *metrics.Metrics
	decisions DecisionProvider
	token     TokenProvider
	log       zerolog.Logger

	// hitlPoll is overridable so tests do not sleep for real.
	hitlPoll time.Duration
}

func New(opts Options) *Engine {
	decisions := opts.Decisions
	if decisions == nil {
		decisions = func(string) (scan.HITLDecision, bool) { return scan.HITLDecision{}, false }
	}
	token := opts.Tokens
	if token == nil {
		token = func(string) (string, bool) { return "", false }
	}
	return &Engine{
		cfg:       opts.Config,
		sandbox:   opts.Sandbox,
		tools:     opts.Tools,
		hosting:   opts.Hosting,
		store:     opts.Store,
		metrics:   opts.Metrics,
		decisions: decisions,
		token:     token,
		log:       logger.Component("engine"),
		hitlPoll:  2 * time.Second,
	}
}
