package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/internal/kernel"
	"codepipe/pkg/orch"
	"codepipe/pkg/proto"
	"codepipe/pkg/worker"
)

var outputs = map[proto.Stage]string{
	proto.StagePreprocessing: `{"summary":"trim","keywords":["trim"],"target_files":["trim.go"]}`,
	proto.StagePlanning:      `{"subtasks":[{"id":"s1","description":"trim spaces","target_files":["trim.go"]}]}`,
	proto.StageCoding:        `{"summary":"trim","changes":[{"file":"trim.go","content":"package demo","subtask_id":"s1"}]}`,
	proto.StageReviewing:     `{"approved":true}`,
	proto.StageVoting:        `{"ballots":[]}`,
}

func scriptWorkers(t *testing.T) {
	t.Helper()
	endpoints := make(map[proto.Stage]worker.Endpoint)
	for stage, out := range outputs {
		out := out
		endpoints[stage] = worker.EndpointFunc(func(context.Context, *worker.Request) (*worker.Response, error) {
			return &worker.Response{Output: json.RawMessage(out), Confidence: 0.9}, nil
		})
	}
	kernelOptions = []kernel.Option{kernel.WithEndpoints(endpoints)}
	t.Cleanup(func() { kernelOptions = nil })
}

func project(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/demo\n\ngo 1.24\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trim.go"),
		[]byte("package demo\n\n// Trim cleans s.\nfunc Trim(s string) string { return s }\n"), 0o644))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunStatusAndCancel(t *testing.T) {
	scriptWorkers(t)
	dir := project(t)

	code, out, errOut := runCLI(t, "run", "--projectdir", dir, "trim", "the", "input")
	require.Equal(t, 0, code, errOut)
	var st orch.TaskStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, proto.StateCompleted, st.State)
	require.NotNil(t, st.Result)
	assert.Contains(t, errOut, "submitted on session")

	code, out, errOut = runCLI(t, "status", "--projectdir", dir, st.TaskID)
	require.Equal(t, 0, code, errOut)
	var again orch.TaskStatus
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.Equal(t, st.TaskID, again.TaskID)
	assert.Len(t, again.Completed, 5)

	code, out, _ = runCLI(t, "cancel", "--projectdir", dir, st.TaskID)
	require.Equal(t, 0, code)
	assert.Equal(t, st.TaskID+" COMPLETED\n", out, "cancelling a finished task changes nothing")

	_, err := os.Stat(filepath.Join(dir, ".codepipe", "logs", "codepipe.log"))
	assert.NoError(t, err)
}

func TestStatusOfUnknownTaskFails(t *testing.T) {
	scriptWorkers(t)
	code, _, errOut := runCLI(t, "status", "--projectdir", project(t), "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

func TestGraphExportsDOT(t *testing.T) {
	scriptWorkers(t)
	dir := project(t)

	code, out, errOut := runCLI(t, "graph", "--projectdir", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "Trim")

	target := filepath.Join(t.TempDir(), "net.dot")
	code, _, errOut = runCLI(t, "graph", "--projectdir", dir, "-o", target)
	require.Equal(t, 0, code, errOut)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph")
}

func TestRunRequiresIntent(t *testing.T) {
	code, _, errOut := runCLI(t, "run", "--projectdir", project(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "requires at least 1 arg")
}

func TestServeNeedsAddress(t *testing.T) {
	scriptWorkers(t)
	code, _, errOut := runCLI(t, "serve", "--projectdir", project(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no listen address")
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "--version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "dev")
}
