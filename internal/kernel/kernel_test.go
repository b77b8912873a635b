package kernel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/api"
	"codepipe/pkg/config"
	"codepipe/pkg/knowledge"
	"codepipe/pkg/proto"
	"codepipe/pkg/worker"
)

var scripted = map[proto.Stage]string{
	proto.StagePreprocessing: `{"summary":"guard parse","keywords":["parse"],"target_files":["parse.go"]}`,
	proto.StagePlanning:      `{"subtasks":[{"id":"s1","description":"reject empty input","target_files":["parse.go"]}]}`,
	proto.StageCoding:        `{"summary":"guard","changes":[{"file":"parse.go","content":"package demo","subtask_id":"s1"}]}`,
	proto.StageReviewing:     `{"approved":true}`,
	proto.StageVoting:        `{"ballots":[]}`,
}

func scriptedEndpoints() map[proto.Stage]worker.Endpoint {
	out := make(map[proto.Stage]worker.Endpoint)
	for stage, output := range scripted {
		output := output
		out[stage] = worker.EndpointFunc(func(context.Context, *worker.Request) (*worker.Response, error) {
			return &worker.Response{Output: json.RawMessage(output), Confidence: 0.8}, nil
		})
	}
	return out
}

func testProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/demo\n\ngo 1.24\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parse.go"),
		[]byte("package demo\n\n// Parse reads input.\nfunc Parse(s string) string { return s }\n"), 0o644))
	return dir
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Telemetry.EventLogDir = ".codepipe/logs"
	return cfg
}

func TestKernelRunsTaskEndToEnd(t *testing.T) {
	dir := testProject(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	k, err := NewKernel(ctx, testConfig(), dir, WithEndpoints(scriptedEndpoints()))
	require.NoError(t, err)
	require.NoError(t, k.Start())

	resp, err := k.API.SubmitTask(ctx, &api.SubmitTaskRequest{WorkspaceID: dir, Intent: "validate input of Parse"})
	require.NoError(t, err)
	final, err := k.Orchestrator.Wait(ctx, resp.TaskID)
	require.NoError(t, err)
	require.Equal(t, proto.StateCompleted, final.State, "terminal: %+v", final.Terminal)
	assert.NotZero(t, final.History[0].Generation, "memory network was built and queried")

	srv := httptest.NewServer(k.Handler())
	defer srv.Close()

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, health.StatusCode)
	health.Body.Close()

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "codepipe_transitions_total")
	assert.Contains(t, string(body), "codepipe_worker_requests_total")

	status, err := http.Get(srv.URL + "/v1/tasks/" + resp.TaskID)
	require.NoError(t, err)
	var st api.GetStatusResponse
	require.NoError(t, json.NewDecoder(status.Body).Decode(&st))
	status.Body.Close()
	assert.Equal(t, proto.StateCompleted, st.Task.State)
	require.NotNil(t, st.Task.Result)

	require.NoError(t, k.Stop())
	require.NoError(t, k.Stop(), "stopping twice is harmless")

	files, err := filepath.Glob(filepath.Join(dir, ".codepipe", "logs", "events-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	reopened, err := NewKernel(ctx, testConfig(), dir, WithEndpoints(scriptedEndpoints()))
	require.NoError(t, err)
	defer reopened.Stop()
	again, err := reopened.Orchestrator.Status(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateCompleted, again.State)
	assert.Len(t, again.Completed, 5)
}

func TestKernelRejectsMissingWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = nil
	_, err := NewKernel(context.Background(), cfg, t.TempDir())
	require.Error(t, err)
}

func TestKernelServesOnConfiguredAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.MetricsAddr = "127.0.0.1:0"
	k, err := NewKernel(context.Background(), cfg, testProject(t), WithEndpoints(scriptedEndpoints()))
	require.NoError(t, err)
	require.NoError(t, k.Start())
	defer k.Stop()

	require.NotEmpty(t, k.Addr())
	resp, err := http.Get("http://" + k.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Error(t, k.Start())
}

func TestKernelQueriesSeeRebuiltMemory(t *testing.T) {
	dir := testProject(t)
	cfg := testConfig()
	cfg.Memory.StalenessThreshold = 2
	ctx := context.Background()
	k, err := NewKernel(ctx, cfg, dir, WithEndpoints(scriptedEndpoints()))
	require.NoError(t, err)
	defer k.Stop()

	mem := k.workspaceMemory(dir)
	first, err := mem.Query(ctx, knowledge.QueryRequest{Text: "Parse", HopLimit: -1})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	gen := first[0].Generation

	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.go"), []byte("package demo\n\nfunc Extra() {}\n"), 0o644))
	same, err := mem.Query(ctx, knowledge.QueryRequest{Text: "Parse", HopLimit: -1})
	require.NoError(t, err)
	require.NotEmpty(t, same)
	assert.Equal(t, gen, same[0].Generation, "one change is below the threshold")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "more.go"), []byte("package demo\n\nfunc More() {}\n"), 0o644))
	rebuilt, err := mem.Query(ctx, knowledge.QueryRequest{Text: "More", HopLimit: -1})
	require.NoError(t, err)
	require.NotEmpty(t, rebuilt)
	assert.Greater(t, rebuilt[0].Generation, gen)
	var names []string
	for _, n := range rebuilt {
		names = append(names, n.Name)
	}
	assert.Contains(t, names, "More")
}
