package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/checkpoint"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
	"codepipe/pkg/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state", "codepipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)
	version, err := GetSchemaVersion(db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	for _, table := range []string{"sessions", "session_turns", "tasks", "checkpoint_blobs", "checkpoints", "node_feedback"} {
		var name string
		err := db.SQL().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigratesVersionOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = GetSchemaVersion(raw)
	require.NoError(t, err)
	require.NoError(t, execAll(raw, coreTables))
	require.NoError(t, setSchemaVersion(raw, 1))
	require.NoError(t, raw.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()
	version, err := GetSchemaVersion(db.SQL())
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	require.NoError(t, db.Feedback().RecordFeedback(context.Background(), "ws", "n", true))
}

func TestCheckpointStoreWithManager(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := checkpoint.NewManager(db.Checkpoints(), 2)

	task := &proto.Task{ID: "t1", State: proto.StatePlanning, Cursor: proto.StagePlanning}
	var ids []string
	for _, state := range []proto.State{proto.StatePlanning, proto.StateCoding, proto.StateReviewing} {
		task.State = state
		id, err := m.Save(ctx, task.ID, checkpoint.NewSnapshot(task, &checkpoint.SessionState{ID: "s1"}))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	same, err := m.Save(ctx, task.ID, checkpoint.NewSnapshot(task, &checkpoint.SessionState{ID: "s1"}))
	require.NoError(t, err)
	assert.Equal(t, ids[2], same)

	listed, err := m.List(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], listed)

	snap, id, err := m.Load(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], id)
	assert.Equal(t, proto.StateReviewing, snap.Task.State)
	assert.Equal(t, "s1", snap.Session.ID)

	var blobs int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM checkpoint_blobs`).Scan(&blobs))
	assert.Equal(t, 2, blobs)

	_, err = db.Checkpoints().GetBlob(ctx, "missing")
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindNotFound))
	assert.Error(t, db.Checkpoints().Append(ctx, checkpoint.Record{TaskID: "t1", Seq: 3, Hash: "dup"}))
}

func TestConcurrentTaskSavesShareTheStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	m := checkpoint.NewManager(db.Checkpoints(), 1)

	const tasks, saves = 8, 30
	var wg sync.WaitGroup
	errs := make(chan error, tasks*saves)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := &proto.Task{ID: fmt.Sprintf("t%d", i), State: proto.StateCoding, Cursor: proto.StageCoding}
			for n := 0; n < saves; n++ {
				task.Intent = fmt.Sprintf("revision %d", n)
				if _, err := m.Save(ctx, task.ID, checkpoint.NewSnapshot(task, nil)); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("save: %v", err)
	}

	for i := 0; i < tasks; i++ {
		snap, id, err := m.Load(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t%d@%d", i, saves), id)
		assert.Equal(t, fmt.Sprintf("revision %d", saves-1), snap.Task.Intent)
	}
	var blobs int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM checkpoint_blobs`).Scan(&blobs))
	assert.Equal(t, tasks, blobs)
}

func TestSessionStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Sessions()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "a", WorkspaceID: "/ws", Status: session.StatusActive, CreatedAt: now, LastActive: now}))
	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "b", WorkspaceID: "/ws", Status: session.StatusActive, CreatedAt: now, LastActive: now.Add(time.Minute)}))

	found, err := store.FindActive(ctx, "/ws")
	require.NoError(t, err)
	assert.Equal(t, "b", found.ID)
	assert.True(t, found.LastActive.Equal(now.Add(time.Minute)))

	require.NoError(t, store.SetStatus(ctx, "b", session.StatusClosed, now))
	found, err = store.FindActive(ctx, "/ws")
	require.NoError(t, err)
	assert.Equal(t, "a", found.ID)

	closed, err := store.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, session.StatusClosed, closed.Status)
	assert.False(t, closed.ClosedAt.IsZero())

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = store.FindActive(ctx, "/none")
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindNotFound))
	assert.True(t, pipeerrors.Is(store.TouchSession(ctx, "zzz", now), pipeerrors.KindNotFound))

	t1, err := store.AppendTurn(ctx, "a", session.Turn{Role: "user", Content: "hi", At: now})
	require.NoError(t, err)
	t2, err := store.AppendTurn(ctx, "a", session.Turn{Role: "system", Content: "ok", At: now})
	require.NoError(t, err)
	assert.Equal(t, 1, t1.Seq)
	assert.Equal(t, 2, t2.Seq)
	turns, err := store.Turns(ctx, "a")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "ok", turns[1].Content)

	_, err = store.AppendTurn(ctx, "zzz", session.Turn{Role: "user"})
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindNotFound))
}

func TestTaskStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Tasks()

	task := &proto.Task{ID: "t1", SessionID: "s1", State: proto.StateCoding, Status: proto.StatusRunning, Intent: "x"}
	require.NoError(t, store.SaveTask(ctx, task, false))
	task.State, task.Status = proto.StateCompleted, proto.StatusCompleted
	require.NoError(t, store.SaveTask(ctx, task, true))
	require.NoError(t, store.SaveTask(ctx, &proto.Task{ID: "t2", SessionID: "s1", State: proto.StateCreated}, false))

	got, archived, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, archived)
	assert.Equal(t, proto.StateCompleted, got.State)

	tasks, err := store.TasksForSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)

	_, _, err = store.GetTask(ctx, "nope")
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindNotFound))
}

func TestFeedbackStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fb := db.Feedback()

	require.NoError(t, fb.RecordFeedback(ctx, "ws", "sym:a", true))
	require.NoError(t, fb.RecordFeedback(ctx, "ws", "sym:a", true))
	require.NoError(t, fb.RecordFeedback(ctx, "ws", "sym:a", false))
	require.NoError(t, fb.RecordFeedback(ctx, "other", "sym:a", false))

	counts, err := fb.LoadFeedback(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["sym:a"].Useful)
	assert.Equal(t, 1, counts["sym:a"].Useless)
	assert.Len(t, counts, 1)
}
