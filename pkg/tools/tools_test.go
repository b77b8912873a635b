package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

func workspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "a", "a.go"), []byte("package a\n\nfunc A() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref\n"), 0o644))
	return root
}

func TestReadFile(t *testing.T) {
	root := workspace(t)
	reg := NewRegistry(Builtins(root)...)
	ctx := context.Background()

	res, err := reg.Invoke(ctx, proto.ToolCall{ID: "1", Name: ToolReadFile, Args: map[string]string{"path": "pkg/a/a.go", "offset": "3"}})
	require.NoError(t, err)
	assert.Equal(t, proto.ToolDone, res.Status)
	assert.Equal(t, "     3\tfunc A() {}\n", res.Output)

	res, err = reg.Invoke(ctx, proto.ToolCall{ID: "2", Name: ToolReadFile, Args: map[string]string{"path": "../etc/passwd"}})
	require.NoError(t, err)
	assert.Equal(t, proto.ToolError, res.Status)
	assert.Contains(t, res.Error, "escapes")

	res, err = reg.Invoke(ctx, proto.ToolCall{ID: "3", Name: ToolReadFile, Args: map[string]string{"path": "/etc/passwd"}})
	require.NoError(t, err)
	assert.Equal(t, proto.ToolError, res.Status)
}

func TestListFiles(t *testing.T) {
	root := workspace(t)
	lf := NewListFiles(root, 0)

	out, err := lf.Exec(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "pkg/a/a.go"}, strings.Split(out, "\n"))

	out, err = lf.Exec(context.Background(), map[string]string{"pattern": "*.go"})
	require.NoError(t, err)
	assert.Equal(t, "pkg/a/a.go", out)

	out, err = NewListFiles(root, 1).Exec(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "[truncated at 1 files]")
}

func TestUnknownTool(t *testing.T) {
	res, err := NewRegistry().Invoke(context.Background(), proto.ToolCall{ID: "x", Name: "launch_missiles"})
	require.NoError(t, err)
	assert.Equal(t, proto.ToolError, res.Status)
}

type slowTool struct{ release chan struct{} }

func (s *slowTool) Name() string        { return "slow" }
func (s *slowTool) Description() string { return "waits" }
func (s *slowTool) Exec(ctx context.Context, _ map[string]string) (string, error) {
	select {
	case <-s.release:
		return "finished", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestAsyncPendingThenPoll(t *testing.T) {
	slow := &slowTool{release: make(chan struct{})}
	reg := NewRegistry()
	reg.Register(slow, Async())
	assert.True(t, reg.List()[0].Async)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := reg.Invoke(ctx, proto.ToolCall{ID: "c1", Name: "slow"})
	require.NoError(t, err)
	assert.Equal(t, proto.ToolPending, res.Status)
	cancel() // the background call outlives the invoking context

	res, err = reg.Poll(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, proto.ToolPending, res.Status)

	close(slow.release)
	waitCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	res, err = reg.Wait(waitCtx, "c1")
	require.NoError(t, err)
	assert.Equal(t, proto.ToolDone, res.Status)
	assert.Equal(t, "finished", res.Output)

	_, err = reg.Poll(context.Background(), "c1")
	assert.True(t, errors.Is(err, pipeerrors.ErrNotFound))
}
