package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

func taskAt(state proto.State, stage proto.Stage, results int) *proto.Task {
	t := &proto.Task{ID: "task-1", Intent: "add validation", State: state, Cursor: stage, Status: proto.StatusForState(state)}
	for i := 0; i < results; i++ {
		t.History = append(t.History, proto.StageResult{Stage: proto.Stages[i], Attempt: 1, Output: []byte(fmt.Sprintf(`{"n":%d}`, i))})
	}
	return t
}

func TestSaveLoadLatestBySequence(t *testing.T) {
	m := NewManager(NewMemoryStore(), 10)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Save(ctx, "task-1", NewSnapshot(taskAt(proto.StatePlanning, proto.StagePlanning, i), nil))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	listed, err := m.List(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ids, listed)

	var prev int64
	for _, id := range listed {
		_, seq, err := ParseID(id)
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}

	snap, id, err := m.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ids[3], id)
	assert.Len(t, snap.Task.History, 3)
	assert.Equal(t, id, snap.Task.LastCheckpointID)
	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
}

func TestIdenticalSnapshotIsNotDuplicated(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, 10)
	ctx := context.Background()

	task := taskAt(proto.StateCoding, proto.StageCoding, 2)
	first, err := m.Save(ctx, task.ID, NewSnapshot(task, nil))
	require.NoError(t, err)

	task.LastCheckpointID = first
	again, err := m.Save(ctx, task.ID, NewSnapshot(task, nil))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, store.BlobCount())

	// Moving away and back reuses the stored blob under a new sequence number.
	_, err = m.Save(ctx, task.ID, NewSnapshot(taskAt(proto.StateReviewing, proto.StageReviewing, 3), nil))
	require.NoError(t, err)
	back, err := m.Save(ctx, task.ID, NewSnapshot(task, nil))
	require.NoError(t, err)
	assert.NotEqual(t, first, back)
	assert.Equal(t, 2, store.BlobCount())
}

func TestRetentionCollectsSuperseded(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Save(ctx, "task-1", NewSnapshot(taskAt(proto.StatePlanning, proto.StagePlanning, i), nil))
		require.NoError(t, err)
	}
	ids, err := m.List(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1@3"}, ids)
	assert.Equal(t, 1, store.BlobCount())

	_, err = m.LoadID(ctx, "task-1@1")
	assert.True(t, pipeerrors.Is(err, pipeerrors.KindNotFound))
	snap, err := m.LoadID(ctx, "task-1@3")
	require.NoError(t, err)
	assert.Len(t, snap.Task.History, 2)
}

func TestCollectionLeavesOtherBlobsAlone(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, 1)
	ctx := context.Background()

	// A blob another task has stored but not yet referenced.
	require.NoError(t, store.PutBlob(ctx, "pending", SchemaVersion, []byte(`{}`)))
	for i := 0; i < 3; i++ {
		_, err := m.Save(ctx, "task-1", NewSnapshot(taskAt(proto.StatePlanning, proto.StagePlanning, i), nil))
		require.NoError(t, err)
	}
	_, err := store.GetBlob(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, 2, store.BlobCount())
}

func TestLoadMissingIsNotFound(t *testing.T) {
	m := NewManager(NewMemoryStore(), 1)
	_, _, err := m.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeerrors.ErrNotFound)
}

func TestIncompatibleMajorVersionFailsLoad(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, 1)
	ctx := context.Background()

	body := []byte(`{"schema_version":"2.0","task":{"id":"t"},"cursor":{"state":"CODING"}}`)
	require.NoError(t, store.PutBlob(ctx, "h2", "2.0", body))
	require.NoError(t, store.Append(ctx, Record{TaskID: "t", Seq: 1, Hash: "h2"}))
	_, _, err := m.Load(ctx, "t")
	assert.ErrorIs(t, err, ErrIncompatibleSchema)

	body = []byte(`{"schema_version":"1.7","task":{"id":"t"},"cursor":{"state":"CODING"},"extra":true}`)
	require.NoError(t, store.PutBlob(ctx, "h17", "1.7", body))
	require.NoError(t, store.Append(ctx, Record{TaskID: "t", Seq: 2, Hash: "h17"}))
	snap, _, err := m.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, proto.StateCoding, snap.Cursor.State)
}

func TestConcurrentSavesAreSerializedPerTask(t *testing.T) {
	m := NewManager(NewMemoryStore(), 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := taskAt(proto.StateCoding, proto.StageCoding, 1)
			task.Intent = fmt.Sprintf("intent %d", i)
			_, err := m.Save(ctx, task.ID, NewSnapshot(task, nil))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ids, err := m.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, ids, 20)
	for i, id := range ids {
		assert.Equal(t, FormatID("task-1", int64(i+1)), id)
	}
}

func TestParseID(t *testing.T) {
	task, seq, err := ParseID("a@b@12")
	require.NoError(t, err)
	assert.Equal(t, "a@b", task)
	assert.Equal(t, int64(12), seq)
	_, _, err = ParseID("missing")
	assert.Error(t, err)
	assert.Error(t, CheckCompatible("x.y"))
}
