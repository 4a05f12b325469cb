package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deplai/scan-engine/pkg/domain/errors"
	"github.com/deplai/scan-engine/pkg/domain/scan"
)

func appendMsg(msg string) Node {
	return func(_ context.Context, s scan.State) (scan.State, error) {
		s.Messages = append(s.Messages, msg)
		return s, nil
	}
}

func TestCompileRejectsDanglingEdge(t *testing.T) {
	_, err := New().
		AddNode("a", appendMsg("a")).
		AddEdge("a", "missing").
		SetEntry("a").
		Compile()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidState))
}

func TestCompileRequiresEntry(t *testing.T) {
	_, err := New().AddNode("a", appendMsg("a")).AddEdge("a", End).Compile()
	require.Error(t, err)
}

func TestRunLinear(t *testing.T) {
	g, err := New().
		AddNode("a", appendMsg("a")).
		AddNode("b", appendMsg("b")).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	out, err := g.Run(context.Background(), scan.BuildInitialState("s", "https://github.com/o/r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Messages)
}

func TestRunConditionalRouting(t *testing.T) {
	g, err := New().
		AddNode("check", appendMsg("check")).
		AddNode("err", appendMsg("err")).
		AddNode("ok", appendMsg("ok")).
		AddConditionalEdge("check", func(s scan.State) string {
			if s.HasErrors() {
				return "error"
			}
			return "continue"
		}, map[string]string{"error": "err", "continue": "ok"}).
		AddEdge("err", End).
		AddEdge("ok", End).
		SetEntry("check").
		Compile()
	require.NoError(t, err)

	clean, err := g.Run(context.Background(), scan.BuildInitialState("s", "https://github.com/o/r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "ok"}, clean.Messages)

	seed := scan.BuildInitialState("s", "https://github.com/o/r").AppendError("boom")
	failed, err := g.Run(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, []string{"check", "err"}, failed.Messages)
}

func TestRunNodeCannotMutateCallerState(t *testing.T) {
	seed := scan.BuildInitialState("s", "https://github.com/o/r")
	seed.RepoMetadata["stats"] = map[string]any{"total_files": 1}

	g, err := New().
		AddNode("mutate", func(_ context.Context, s scan.State) (scan.State, error) {
			s.RepoMetadata["stats"].(map[string]any)["total_files"] = 99
			return s, nil
		}).
		AddEdge("mutate", End).
		SetEntry("mutate").
		Compile()
	require.NoError(t, err)

	out, err := g.Run(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, 1, seed.RepoMetadata["stats"].(map[string]any)["total_files"])
	assert.Equal(t, 99, out.RepoMetadata["stats"].(map[string]any)["total_files"])
}

func TestRunRejectsSecretKeyFromNode(t *testing.T) {
	g, err := New().
		AddNode("leak", func(_ context.Context, s scan.State) (scan.State, error) {
			s.RepoMetadata["api_key"] = "oops"
			return s, nil
		}).
		AddEdge("leak", End).
		SetEntry("leak").
		Compile()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), scan.BuildInitialState("s", "https://github.com/o/r"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeForbiddenSecretKey))
}

func TestRunStepBound(t *testing.T) {
	g, err := New().
		AddNode("loop", appendMsg("loop")).
		AddConditionalEdge("loop", func(scan.State) string { return "again" },
			map[string]string{"again": "loop"}).
		SetEntry("loop").
		Compile()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), scan.BuildInitialState("s", "https://github.com/o/r"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step bound")
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g, err := New().
		AddNode("a", appendMsg("a")).
		AddEdge("a", End).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = g.Run(ctx, scan.BuildInitialState("s", "https://github.com/o/r"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeTimeoutError))
}
