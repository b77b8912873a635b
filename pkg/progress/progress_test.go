package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepipe/pkg/proto"
)

func TestEventLogWritesAndReads(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventLog(dir)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	w.Record(ctx, Event{TaskID: "t1", From: proto.StateCreated, To: proto.StatePreprocessing, At: time.Now()})
	w.Record(ctx, Event{TaskID: "t2", From: proto.StateCreated, To: proto.StatePreprocessing, At: time.Now()})
	w.Record(ctx, Event{TaskID: "t1", From: proto.StatePreprocessing, To: proto.StatePlanning, Stage: proto.StagePreprocessing, Attempt: 1})

	_, err = os.Stat(w.CurrentFile())
	require.NoError(t, err)

	events, err := ReadEvents(w.CurrentFile())
	require.NoError(t, err)
	assert.Len(t, events, 3)

	mine, err := TaskEvents(dir, "t1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, proto.StatePlanning, mine[1].To)
}

func TestEventLogRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventLog(dir)
	require.NoError(t, err)
	defer w.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	require.NoError(t, w.Write(Event{TaskID: "a"}))
	day = day.Add(2 * time.Minute)
	require.NoError(t, w.Write(Event{TaskID: "b"}))

	assert.Equal(t, filepath.Join(dir, "events-2026-03-02.jsonl"), w.CurrentFile())
	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(dir, "events-2026-03-01.jsonl"))
	assert.Contains(t, files, filepath.Join(dir, "events-2026-03-02.jsonl"))
}

func TestMultiAndMemory(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	sub := a.Subscribe(4)
	Multi{a, nil, b}.Record(context.Background(), Event{TaskID: "x", To: proto.StateCompleted})

	assert.Len(t, a.Events(""), 1)
	assert.Len(t, b.Events("x"), 1)
	assert.Empty(t, b.Events("y"))
	assert.Equal(t, proto.StateCompleted, (<-sub).To)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	ctx := context.Background()

	p.Record(ctx, Event{From: proto.StateCoding, To: proto.StateReviewing, Stage: proto.StageCoding, Duration: time.Second})
	p.Record(ctx, Event{From: proto.StateCoding, To: proto.StateCoding, Stage: proto.StageCoding, Duration: time.Second, ErrorKind: "TimeoutError"})
	p.ObserveWorkerCall("coding", "ok", time.Millisecond)
	p.ObserveQueueWait("coding", time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(p.transitionsTotal.WithLabelValues("CODING", "REVIEWING")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.failuresTotal.WithLabelValues("coding", "TimeoutError")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.workerCalls.WithLabelValues("coding", "ok")), 0)
}
