package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

type fakeRunner struct {
	mu        sync.Mutex
	tasks     map[string]*proto.Task
	resumed   []string
	flushed   []string
	cancelled []string
	next      int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{tasks: make(map[string]*proto.Task)}
}

func (f *fakeRunner) Submit(_ context.Context, sessionID, workspaceID, intent string) (*proto.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	t := &proto.Task{ID: fmt.Sprintf("task-%d", f.next), SessionID: sessionID, WorkspaceID: workspaceID,
		Intent: intent, State: proto.StateCreated, Status: proto.StatusPending}
	f.tasks[t.ID] = t
	return t.Clone(), nil
}

func (f *fakeRunner) Resume(_ context.Context, taskID string) (*proto.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, pipeerrors.NotFound("task", taskID)
	}
	f.resumed = append(f.resumed, taskID)
	return t.Clone(), nil
}

func (f *fakeRunner) Flush(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, taskID)
	return nil
}

func (f *fakeRunner) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	if t, ok := f.tasks[taskID]; ok {
		t.State, t.Status = proto.StateCancelled, proto.StatusCancelled
	}
	return nil
}

func (f *fakeRunner) SessionTasks(_ context.Context, sessionID string) ([]*proto.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.Task
	for i := 1; i <= f.next; i++ {
		t := f.tasks[fmt.Sprintf("task-%d", i)]
		if t != nil && t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(ttl time.Duration) (*Manager, *fakeRunner, *clock, *MemoryStore) {
	clk := &clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	runner := newFakeRunner()
	store := NewMemoryStore()
	return NewManager(store, runner, ttl, WithClock(clk.Now)), runner, clk, store
}

func TestCreateThenReattach(t *testing.T) {
	m, runner, _, _ := newTestManager(time.Hour)
	ctx := context.Background()

	first, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws", ClientRef: "cli", Intent: "add validation"})
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	require.NotNil(t, first.NewTask)
	assert.Equal(t, proto.StateCreated, first.NewTask.State)
	assert.Equal(t, first.Session.ID, first.NewTask.SessionID)

	second, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws"})
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	require.Len(t, second.Tasks, 1)
	assert.Equal(t, []string{first.NewTask.ID}, runner.resumed)

	turns, err := m.Turns(ctx, first.Session.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "add validation", turns[0].Content)

	other, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/other"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.ID, other.Session.ID)
}

func TestTerminalTasksAreNotResumed(t *testing.T) {
	m, runner, _, _ := newTestManager(time.Hour)
	ctx := context.Background()
	att, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws", Intent: "x"})
	require.NoError(t, err)
	runner.tasks[att.NewTask.ID].State = proto.StateCompleted

	again, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws"})
	require.NoError(t, err)
	assert.Empty(t, runner.resumed)
	assert.Len(t, again.Tasks, 1)
}

func TestCloseFlushesAndCancels(t *testing.T) {
	m, runner, _, store := newTestManager(time.Hour)
	ctx := context.Background()
	att, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws", Intent: "x"})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, att.Session.ID))
	assert.Equal(t, []string{att.NewTask.ID}, runner.flushed)
	assert.Equal(t, []string{att.NewTask.ID}, runner.cancelled)

	s, err := store.GetSession(ctx, att.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, s.Status)
	require.NoError(t, m.Close(ctx, att.Session.ID), "closing twice is a no-op")

	fresh, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws"})
	require.NoError(t, err)
	assert.False(t, fresh.Resumed)

	err = m.Close(ctx, "missing")
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindNotFound))
}

func TestExpiredSessionsAreReaped(t *testing.T) {
	m, runner, clk, store := newTestManager(time.Hour)
	ctx := context.Background()
	att, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws", Intent: "x"})
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	assert.Empty(t, m.ReapExpired(ctx))
	_, err = m.RecordTurn(ctx, att.Session.ID, "user", "still here")
	require.NoError(t, err)

	clk.Advance(59 * time.Minute)
	assert.Empty(t, m.ReapExpired(ctx), "turn refreshed activity")

	clk.Advance(2 * time.Minute)
	assert.Equal(t, []string{att.Session.ID}, m.ReapExpired(ctx))
	assert.Equal(t, []string{att.NewTask.ID}, runner.flushed)
	s, err := store.GetSession(ctx, att.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, s.Status)
}

func TestExpiredSessionReplacedOnAttach(t *testing.T) {
	m, _, clk, _ := newTestManager(time.Hour)
	ctx := context.Background()
	first, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws"})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	second, err := m.CreateOrResume(ctx, Request{WorkspaceID: "/ws"})
	require.NoError(t, err)
	assert.False(t, second.Resumed)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
}

func TestReaperLoopStops(t *testing.T) {
	m, _, _, _ := newTestManager(time.Hour)
	m.StartReaper(context.Background(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestWorkspaceRequired(t *testing.T) {
	m, _, _, _ := newTestManager(0)
	_, err := m.CreateOrResume(context.Background(), Request{})
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindValidation))
}
