// Package github implements the hosting-API contract the engine needs:
// verify a token against the target repository, and look up repository
// size for the cloner's dynamic timeout.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deplai/scan-engine/pkg/domain/errors"
	"github.com/deplai/scan-engine/pkg/logger"
)

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	userAgent      = "deplai-agent/1.0"
	requestTimeout = 10 * time.Second
)

// Client talks to the GitHub REST API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient() *Client {
	return NewClientWithBase(defaultBaseURL)
}

// NewClientWithBase exists for tests pointed at a local server.
func NewClientWithBase(base string) *Client {
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger.Component("github"),
	}
}

// AuthResult mirrors what the validation phase records under
// repo_metadata.github_auth.
type AuthResult struct {
	TokenPresent       bool
	TokenValid         bool
	RepoAccess         bool
	TokenType          string
	AuthenticatedLogin string
	Repo               string
	Valid              bool
	Errors             []string
}

// ToMap renders the auth result as the metadata annotation.
func (r AuthResult) ToMap() map[string]any {
	return map[string]any{
		"token_present":       r.TokenPresent,
		"token_valid":         r.TokenValid,
		"repo_access":         r.RepoAccess,
		"token_type":          r.TokenType,
		"authenticated_login": r.AuthenticatedLogin,
		"repo":                r.Repo,
	}
}

// ValidateAccess probes /user and /repos/{owner}/{repo}. A missing token is
// allowed for public repositories; the repo probe alone decides access.
func (c *Client) ValidateAccess(ctx context.Context, token, owner, repo string) AuthResult {
	res := AuthResult{
		TokenPresent: token != "",
		Repo:         owner + "/" + repo,
	}

	if token != "" {
		status, body, err := c.get(ctx, "/user", token)
		if err != nil {
			res.Errors = append(res.Errors, "Unable to reach GitHub API for authentication")
			return res
		}
		if status == http.StatusOK {
			res.TokenValid = true
			res.Valid = true
			res.TokenType = "user"
			var user struct {
				Login string `json:"login"`
			}
			if json.Unmarshal(body, &user) == nil {
				res.AuthenticatedLogin = user.Login
			}
		} else {
			status, _, err = c.get(ctx, "/repos/"+owner+"/"+repo, token)
			if err != nil {
				res.Errors = append(res.Errors, "Unable to reach GitHub API for authentication")
				return res
			}
			switch {
			case status == http.StatusOK:
				res.TokenValid = true
				res.Valid = true
				res.RepoAccess = true
				res.TokenType = "installation"
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				res.Errors = append(res.Errors, "GitHub token is invalid or lacks required scopes")
				return res
			case status == http.StatusNotFound:
				res.Errors = append(res.Errors, "Target repository not found or inaccessible")
				return res
			default:
				res.Errors = append(res.Errors, "Repository access validation failed")
				return res
			}
		}
	}

	if !res.RepoAccess {
		status, _, err := c.get(ctx, "/repos/"+owner+"/"+repo, token)
		if err != nil {
			res.Errors = append(res.Errors, "Unable to reach GitHub API for authentication")
			return res
		}
		switch {
		case status == http.StatusOK:
			res.RepoAccess = true
			res.Valid = true
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			res.Errors = append(res.Errors, "Token does not have access to the target repository")
		case status == http.StatusNotFound:
			res.Errors = append(res.Errors, "Target repository not found or inaccessible")
		default:
			res.Errors = append(res.Errors, "Repository access validation failed")
		}
	}

	if !res.RepoAccess {
		res.Valid = false
	}
	return res
}

// RepoSizeKB looks up the repository size in kilobytes. Best-effort: any
// failure returns an error and the caller falls back to the base timeout.
func (c *Client) RepoSizeKB(ctx context.Context, token, owner, repo string) (int, error) {
	status, body, err := c.get(ctx, "/repos/"+owner+"/"+repo, token)
	if err != nil {
		return 0, errors.New(errors.CodeNetworkError, "github", "repository size lookup failed", err)
	}
	if status != http.StatusOK {
		return 0, errors.New(errors.CodeNotFound, "github",
			fmt.Sprintf("repository size lookup returned status %d", status), nil)
	}
	var payload struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, errors.New(errors.CodeOperationFailed, "github", "repository size payload malformed", err)
	}
	return payload.Size, nil
}

func (c *Client) get(ctx context.Context, path, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// ParseOwnerRepo extracts owner and repository name from a repo URL.
func ParseOwnerRepo(repoURL string) (owner, repo string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", errors.New(errors.CodeValidationFailed, "github", "repository URL unparseable", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New(errors.CodeValidationFailed, "github", "repository URL missing owner/repo path", nil)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
