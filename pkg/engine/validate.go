package engine

import (
	"context"
	"net/url"
	"strings"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
	"github.com/deplai/scan-engine/pkg/hosting/github"
)

// Error strings surfaced by validation; the status endpoint and tests key
// on these exact messages.
const (
	errInvalidURL     = "Repository URL is invalid"
	errForbiddenHost  = "User does not have permission for this repository source"
	errAuthUnexpected = "Repository access validation failed"
)

// allowedHostMarker restricts scans to one hosting source. The cloner
// itself is URL-agnostic; this gate is policy, not capability.
const allowedHostMarker = "github.com"

// ValidateRequest checks URL shape and hosting-source policy.
func (e *Engine) ValidateRequest(_ context.Context, s scan.State) (scan.State, error) {
	u, err := url.Parse(s.RepoURL)
	valid := err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	if !valid {
		s = s.AppendError(errInvalidURL)
		s.Phase = scan.PhaseError
		return s, nil
	}
	if !strings.Contains(u.Host, allowedHostMarker) {
		s = s.AppendError(errForbiddenHost)
		s.Phase = scan.PhaseError
		return s, nil
	}

	s.RepoMetadata["validation"] = map[string]any{
		"url_valid":    true,
		"host":         u.Host,
		"host_allowed": true,
	}
	s.Phase = scan.PhaseValidation
	return s, nil
}

// GithubAuth verifies the credential (when present) against the target
// repository and always strips the token from state before returning.
func (e *Engine) GithubAuth(ctx context.Context, s scan.State) (scan.State, error) {
	token := s.GithubToken
	// cleared regardless of outcome: no node after this one may see it
	s.GithubToken = ""

	owner, repo, err := github.ParseOwnerRepo(s.RepoURL)
	if err != nil {
		s = s.AppendError(errInvalidURL)
		s.Phase = scan.PhaseError
		return s, nil
	}

	res := e.hosting.ValidateAccess(ctx, token, owner, repo)
	s.RepoMetadata["github_auth"] = res.ToMap()

	if !res.Valid {
		for _, msg := range res.Errors {
			s = s.AppendError(msg)
		}
		if len(res.Errors) == 0 {
			s = s.AppendError(errAuthUnexpected)
		}
		s.Phase = scan.PhaseError
		return s, nil
	}
	s.Phase = scan.PhaseGithubAuth
	return s, nil
}

// InitializeScanRecord seeds the scan record annotation.
func (e *Engine) InitializeScanRecord(_ context.Context, s scan.State) (scan.State, error) {
	s.RepoMetadata["scan_record"] = map[string]any{
		"scan_id": s.ScanID,
		"status":  "initialized",
	}
	s.Phase = scan.PhaseInitialized
	return s, nil
}

// routeIfError is the shared conditional: any recorded error diverts the
// subgraph.
func routeIfError(s scan.State) string {
	if s.HasErrors() {
		return "error"
	}
	return "continue"
}

// BuildValidationGraph compiles the validation/init subgraph.
func (e *Engine) BuildValidationGraph() (*graph.Graph, error) {
	return graph.New().
		AddNode("validator", e.ValidateRequest).
		AddNode("github_auth", e.GithubAuth).
		AddNode("initializer", e.InitializeScanRecord).
		AddConditionalEdge("validator", routeIfError,
			map[string]string{"error": graph.End, "continue": "github_auth"}).
		AddConditionalEdge("github_auth", routeIfError,
			map[string]string{"error": graph.End, "continue": "initializer"}).
		AddEdge("initializer", graph.End).
		SetEntry("validator").
		Compile()
}
