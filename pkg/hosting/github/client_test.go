package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBase(srv.URL)
}

func TestValidateAccessUserToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))
		switch r.URL.Path {
		case "/user":
			w.Write([]byte(`{"login": "octocat"}`))
		case "/repos/o/r":
			w.Write([]byte(`{"size": 100}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res := c.ValidateAccess(context.Background(), "tok", "o", "r")
	assert.True(t, res.Valid)
	assert.True(t, res.TokenPresent)
	assert.True(t, res.TokenValid)
	assert.True(t, res.RepoAccess)
	assert.Equal(t, "user", res.TokenType)
	assert.Equal(t, "octocat", res.AuthenticatedLogin)
	assert.Empty(t, res.Errors)
}

func TestValidateAccessInstallationToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			w.WriteHeader(http.StatusForbidden)
		case "/repos/o/r":
			w.Write([]byte(`{"size": 10}`))
		}
	})

	res := c.ValidateAccess(context.Background(), "tok", "o", "r")
	assert.True(t, res.Valid)
	assert.True(t, res.RepoAccess)
	assert.Equal(t, "installation", res.TokenType)
	assert.Empty(t, res.Errors)
}

func TestValidateAccessInvalidToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	res := c.ValidateAccess(context.Background(), "bad", "o", "r")
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "GitHub token is invalid or lacks required scopes", res.Errors[0])
}

func TestValidateAccessUserTokenWithoutRepoAccess(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			w.Write([]byte(`{"login": "octocat"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res := c.ValidateAccess(context.Background(), "tok", "o", "private")
	assert.False(t, res.Valid)
	assert.True(t, res.TokenValid)
	assert.False(t, res.RepoAccess)
	assert.Contains(t, res.Errors, "Target repository not found or inaccessible")
}

func TestValidateAccessPublicRepoNoToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/repos/o/r", r.URL.Path)
		w.Write([]byte(`{"size": 5}`))
	})

	res := c.ValidateAccess(context.Background(), "", "o", "r")
	assert.True(t, res.Valid)
	assert.False(t, res.TokenPresent)
	assert.True(t, res.RepoAccess)
	assert.Empty(t, res.Errors)
}

func TestValidateAccessNetworkError(t *testing.T) {
	c := NewClientWithBase("http://127.0.0.1:1")
	res := c.ValidateAccess(context.Background(), "tok", "o", "r")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Unable to reach GitHub API for authentication")
}

func TestRepoSizeKB(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/o/r", r.URL.Path)
		w.Write([]byte(`{"size": 20480}`))
	})

	size, err := c.RepoSizeKB(context.Background(), "", "o", "r")
	require.NoError(t, err)
	assert.Equal(t, 20480, size)
}

func TestRepoSizeKBNotFound(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.RepoSizeKB(context.Background(), "", "o", "r")
	assert.Error(t, err)
}

func TestParseOwnerRepo(t *testing.T) {
	tests := []struct {
		url     string
		owner   string
		repo    string
		wantErr bool
	}{
		{"https://github.com/octo/widgets", "octo", "widgets", false},
		{"https://github.com/octo/widgets.git", "octo", "widgets", false},
		{"https://github.com/octo/widgets/tree/main", "octo", "widgets", false},
		{"https://github.com/octo", "", "", true},
		{"://bad", "", "", true},
	}
	for _, tt := range tests {
		owner, repo, err := ParseOwnerRepo(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.owner, owner)
		assert.Equal(t, tt.repo, repo)
	}
}
