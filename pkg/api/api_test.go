package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/orch"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
	"codepipe/pkg/session"
)

type fakeSessions struct {
	last session.Request
}

func (f *fakeSessions) CreateOrResume(_ context.Context, req session.Request) (*session.Attachment, error) {
	f.last = req
	return &session.Attachment{
		Session: &session.Session{ID: "sess-1", WorkspaceID: req.WorkspaceID},
		Resumed: true,
		NewTask: &proto.Task{ID: "task-1", State: proto.StateCreated, Status: proto.StatusPending},
	}, nil
}

type fakeTasks struct {
	states    map[string]proto.State
	cancelled []string
}

func (f *fakeTasks) Status(_ context.Context, id string) (*orch.TaskStatus, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, pipeerrors.NotFound("task", id)
	}
	return &orch.TaskStatus{TaskID: id, State: st, Status: proto.StatusForState(st)}, nil
}

func (f *fakeTasks) Cancel(id string) error {
	if _, ok := f.states[id]; !ok {
		return pipeerrors.NotFound("task", id)
	}
	f.cancelled = append(f.cancelled, id)
	f.states[id] = proto.StateCancelled
	return nil
}

func newServer(t *testing.T) (*httptest.Server, *fakeSessions, *fakeTasks) {
	t.Helper()
	sessions := &fakeSessions{}
	tasks := &fakeTasks{states: map[string]proto.State{"task-1": proto.StateCoding}}
	mux := http.NewServeMux()
	NewHandler(NewService(sessions, tasks)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sessions, tasks
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitTask(t *testing.T) {
	srv, sessions, _ := newServer(t)

	body := `{"workspace_id":"/repo","client_ref":"cli","intent":"add validation"}`
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	out := decode[SubmitTaskResponse](t, resp)
	assert.Equal(t, Version, out.APIVersion)
	assert.Equal(t, "task-1", out.TaskID)
	assert.Equal(t, "sess-1", out.SessionID)
	assert.True(t, out.Resumed)
	assert.Equal(t, session.Request{WorkspaceID: "/repo", ClientRef: "cli", Intent: "add validation"}, sessions.last)
}

func TestSubmitTaskRejectsBadInput(t *testing.T) {
	srv, _, _ := newServer(t)

	for _, body := range []string{`{"workspace_id":"/repo"}`, `{"intent":"x","unknown":1}`, `not json`} {
		resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		out := decode[ErrorResponse](t, resp)
		assert.Equal(t, "ValidationError", out.Error.Kind)
	}
}

func TestGetStatusAndCancel(t *testing.T) {
	srv, _, tasks := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/tasks/task-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[GetStatusResponse](t, resp)
	assert.Equal(t, proto.StateCoding, status.Task.State)

	resp, err = http.Post(srv.URL+"/v1/tasks/task-1/cancel", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[CancelTaskResponse](t, resp)
	assert.Equal(t, proto.StateCancelled, cancelled.State)
	assert.Equal(t, []string{"task-1"}, tasks.cancelled)

	resp, err = http.Get(srv.URL + "/v1/tasks/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	notFound := decode[ErrorResponse](t, resp)
	assert.Equal(t, "NotFound", notFound.Error.Kind)

	resp, err = http.Get(srv.URL + "/v1/tasks/task-1/cancel")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
