// Package orch drives tasks through the pipeline stages. Each task runs on its own goroutine:
// it asks the stage's memory lens for context, calls the stage worker under a timeout,
// validates the output, and commits it with exactly one checkpoint before moving on.
package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codepipe/pkg/checkpoint"
	"codepipe/pkg/config"
	"codepipe/pkg/logx"
	"codepipe/pkg/memview"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/progress"
	"codepipe/pkg/proto"
	"codepipe/pkg/tools"
	"codepipe/pkg/worker"
)

// ErrStopped is returned by operations on an orchestrator after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// Memory is the memory network of one workspace as the orchestrator uses it.
type Memory interface {
	memview.Querier
	RecordUsage(ctx context.Context, nodeIDs []string, useful bool) error
}

// MemorySource resolves the memory network of a workspace.
type MemorySource interface {
	Memory(workspaceID string) Memory
}

// MemorySourceFunc adapts a function to MemorySource.
type MemorySourceFunc func(workspaceID string) Memory

// Memory calls f.
func (f MemorySourceFunc) Memory(workspaceID string) Memory { return f(workspaceID) }

// SessionStateFunc supplies the session part of a checkpoint.
type SessionStateFunc func(ctx context.Context, sessionID string) (*checkpoint.SessionState, error)

// Orchestrator owns every task it runs. Only its runner goroutines mutate task state.
type Orchestrator struct {
	cfg          config.PipelineConfig
	workers      worker.Registry
	checkpoints  *checkpoint.Manager
	tasks        TaskStore
	tools        tools.Invoker
	tracker      progress.Tracker
	memory       MemorySource
	viewer       *memview.Viewer
	sessionState SessionStateFunc
	middleware   []worker.Middleware
	now          func() time.Time
	logger       *logx.Logger

	mu      sync.Mutex
	runs    map[string]*run
	stopped bool
	wg      sync.WaitGroup
}

// run is the in-memory handle of one task. task is the latest published copy; the runner
// goroutine works on its own copy and publishes after every change.
type run struct {
	mu        sync.Mutex
	saveMu    sync.Mutex // orders checkpoint writes with the publish that follows them
	task      *proto.Task
	running   bool
	cancelled bool
	flushed   string // latest checkpoint written by Flush
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTools sets the tool invoker. Without one, tool calls fold back an error result.
func WithTools(inv tools.Invoker) Option {
	return func(o *Orchestrator) { o.tools = inv }
}

// WithTracker sets the progress tracker.
func WithTracker(t progress.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithMemory attaches the memory networks and the lenses used to read them.
func WithMemory(src MemorySource, viewer *memview.Viewer) Option {
	return func(o *Orchestrator) {
		o.memory = src
		o.viewer = viewer
	}
}

// WithMiddleware wraps every worker endpoint. The stage timeout is always innermost.
func WithMiddleware(mws ...worker.Middleware) Option {
	return func(o *Orchestrator) { o.middleware = append(o.middleware, mws...) }
}

// WithSessionState records session details in every checkpoint.
func WithSessionState(fn SessionStateFunc) Option {
	return func(o *Orchestrator) { o.sessionState = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. endpoints must cover every stage.
func New(cfg config.PipelineConfig, endpoints map[proto.Stage]worker.Endpoint, checkpoints *checkpoint.Manager,
	tasks TaskStore, opts ...Option,
) (*Orchestrator, error) {
	reg, err := worker.NewRegistry(endpoints)
	if err != nil {
		return nil, err
	}
	if checkpoints == nil || tasks == nil {
		return nil, errors.New("orchestrator needs a checkpoint manager and a task store")
	}
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = config.DefaultMaxToolRounds
	}
	if cfg.DefaultStageTimeout <= 0 {
		cfg.DefaultStageTimeout = config.DefaultStageTimeout
	}
	if cfg.RetryBound < 0 {
		cfg.RetryBound = 0
	}

	o := &Orchestrator{
		cfg:         cfg,
		checkpoints: checkpoints,
		tasks:       tasks,
		tracker:     progress.Nop{},
		now:         time.Now,
		logger:      logx.NewLogger("orch"),
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	mws := append(append([]worker.Middleware(nil), o.middleware...), worker.Timeout(o.cfg.StageTimeout))
	o.workers = reg.Wrap(mws...)
	return o, nil
}

// Submit creates a task for intent on the session and starts running it.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, workspaceID, intent string) (*proto.Task, error) {
	if strings.TrimSpace(intent) == "" {
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "intent is required")
	}
	task := &proto.Task{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		Intent:      intent,
		State:       proto.StateCreated,
		Status:      proto.StatusPending,
		Cursor:      proto.StagePreprocessing,
		History:     []proto.StageResult{},
		CreatedAt:   o.now().UTC(),
	}
	if err := o.tasks.SaveTask(ctx, task, false); err != nil {
		return nil, fmt.Errorf("failed to record task: %w", err)
	}

	r := &run{task: task.Clone()}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	o.runs[task.ID] = r
	o.mu.Unlock()

	r.mu.Lock()
	err := o.startLocked(r)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	o.logger.Info("submitted task %s on session %s", task.ID, sessionID)
	return task, nil
}

// Run resumes taskID and blocks until it is terminal or waiting on a tool.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (*proto.Task, error) {
	if _, err := o.Resume(ctx, taskID); err != nil {
		return nil, err
	}
	return o.Wait(ctx, taskID)
}

// Resume continues taskID from its latest checkpoint. A task waiting on a tool polls the tool
// invoker and continues only once the call has finished. Running and terminal tasks are
// returned as they are.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*proto.Task, error) {
	r, err := o.attach(ctx, taskID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.running || r.task.State.IsTerminal() {
		t := r.task.Clone()
		r.mu.Unlock()
		return t, nil
	}
	if r.task.State == proto.StateWaitingOnTool {
		call := r.task.PendingTool
		r.mu.Unlock()
		res, err := o.pollTool(ctx, call)
		if err != nil {
			return nil, err
		}
		if res.Status == proto.ToolPending {
			return o.published(r), nil
		}
		return o.deliver(ctx, r, res)
	}
	err = o.startLocked(r)
	t := r.task.Clone()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	o.logger.Info("resumed task %s at %s (checkpoint %s)", taskID, t.State, t.LastCheckpointID)
	return t, nil
}

// DeliverToolResult completes the pending tool call of a waiting task and continues it.
func (o *Orchestrator) DeliverToolResult(ctx context.Context, taskID string, result proto.ToolResult) (*proto.Task, error) {
	r, err := o.attach(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return o.deliver(ctx, r, result)
}

func (o *Orchestrator) deliver(ctx context.Context, r *run, result proto.ToolResult) (*proto.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := r.task.Clone()
	switch {
	case r.running || task.State != proto.StateWaitingOnTool:
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "task %s is not waiting on a tool (state %s)", task.ID, task.State)
	case result.Status == proto.ToolPending:
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "tool result for task %s is still pending", task.ID)
	case task.PendingTool == nil || result.CallID != task.PendingTool.ID:
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "task %s is not waiting on tool call %q", task.ID, result.CallID)
	}
	if result.Name == "" {
		result.Name = task.PendingTool.Name
	}

	task.ToolResults = append(task.ToolResults, result)
	task.ToolRounds++
	task.PendingTool = nil
	resumeTo := task.SuspendedFrom
	task.SuspendedFrom = ""
	if err := o.setState(task, resumeTo); err != nil {
		return nil, err
	}
	o.emit(ctx, task, proto.StateWaitingOnTool, progress.Event{Stage: task.Cursor})
	r.task = task.Clone()
	if err := o.startLocked(r); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel stops taskID. A running task observes the request at its next suspension point; an
// in-flight worker call is left to finish and its result is discarded. The last good
// checkpoint is kept. Cancelling a terminal task is a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	ctx := context.Background()
	r, err := o.attach(ctx, taskID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task.State.IsTerminal() {
		return nil
	}
	r.cancelled = true
	if r.running {
		return nil
	}
	task := r.task.Clone()
	o.finishCancelled(ctx, task)
	r.task = task
	return nil
}

// Wait blocks until the current runner of taskID exits and returns the task.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*proto.Task, error) {
	r, err := o.attach(ctx, taskID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	running, done := r.running, r.done
	r.mu.Unlock()
	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.published(r), nil
}

// Flush checkpoints the current state of a live task and writes its record. Terminal and
// unloaded tasks are already durable.
func (o *Orchestrator) Flush(ctx context.Context, taskID string) error {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	task := o.published(r)
	if task.State.IsTerminal() {
		return nil
	}
	id, err := o.save(ctx, task)
	if err != nil {
		return err
	}
	task.LastCheckpointID = id
	r.mu.Lock()
	r.flushed = id
	adoptCheckpoint(r.task, id)
	r.mu.Unlock()
	if err := o.tasks.SaveTask(ctx, task, false); err != nil {
		return fmt.Errorf("failed to record task %s: %w", taskID, err)
	}
	return nil
}

// SessionTasks lists the tasks of a session, live state first.
func (o *Orchestrator) SessionTasks(ctx context.Context, sessionID string) ([]*proto.Task, error) {
	stored, err := o.tasks.TasksForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	live := make(map[int]*run)
	o.mu.Lock()
	for i, t := range stored {
		if r, ok := o.runs[t.ID]; ok {
			live[i] = r
		}
	}
	o.mu.Unlock()
	for i, r := range live {
		stored[i] = o.published(r)
	}
	return stored, nil
}

// Stop aborts every runner without recording anything, as a process exit would, and waits for
// them. Tasks continue from their latest checkpoint on Resume in a new orchestrator.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.running {
			r.cancel()
		}
		r.mu.Unlock()
	}
	o.wg.Wait()
}

// attach returns the handle of taskID, loading the task on first use.
func (o *Orchestrator) attach(ctx context.Context, taskID string) (*run, error) {
	if r := o.live(taskID); r != nil {
		return r, nil
	}
	task, err := o.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[taskID]; ok {
		return r, nil
	}
	r := &run{task: task}
	o.runs[taskID] = r
	return r, nil
}

func (o *Orchestrator) live(taskID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[taskID]
}

// load reads taskID from its latest checkpoint, or from its record when it is archived or was
// never checkpointed.
func (o *Orchestrator) load(ctx context.Context, taskID string) (*proto.Task, error) {
	task, archived, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if archived || task.State.IsTerminal() {
		return task, nil
	}
	snap, id, err := o.checkpoints.Load(ctx, taskID)
	switch {
	case err == nil:
		task = snap.Task
		task.LastCheckpointID = id
	case !pipeerrors.Is(err, pipeerrors.KindNotFound):
		return nil, fmt.Errorf("failed to load checkpoint of %s: %w", taskID, err)
	}
	return task, nil
}

// startLocked launches the runner. r.mu must be held.
func (o *Orchestrator) startLocked(r *run) error {
	if r.running || r.cancelled || r.task.State.IsTerminal() {
		return nil
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	o.wg.Add(1)
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go o.drive(ctx, r, r.task.Clone())
	return nil
}

func (o *Orchestrator) published(r *run) *proto.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Clone()
}

// publish makes task the visible state of r. A checkpoint written by Flush since the runner's
// last commit is adopted first.
func (o *Orchestrator) publish(r *run, task *proto.Task) {
	r.mu.Lock()
	adoptCheckpoint(task, r.flushed)
	r.task = task.Clone()
	r.mu.Unlock()
}

// adoptFlushed brings the runner's copy up to date with checkpoints written by Flush.
func (o *Orchestrator) adoptFlushed(r *run, task *proto.Task) {
	r.mu.Lock()
	adoptCheckpoint(task, r.flushed)
	r.mu.Unlock()
}

// adoptCheckpoint sets task's last checkpoint to id when id is newer.
func adoptCheckpoint(task *proto.Task, id string) {
	if id == "" || id == task.LastCheckpointID {
		return
	}
	_, seq, err := checkpoint.ParseID(id)
	if err != nil {
		return
	}
	if task.LastCheckpointID != "" {
		if _, cur, err := checkpoint.ParseID(task.LastCheckpointID); err == nil && cur >= seq {
			return
		}
	}
	task.LastCheckpointID = id
}

func (o *Orchestrator) isCancelled(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// pollTool asks the invoker for a pending call. A call the invoker no longer knows, for
// instance after a restart, completes with an error result.
func (o *Orchestrator) pollTool(ctx context.Context, call *proto.ToolCall) (proto.ToolResult, error) {
	if call == nil {
		return proto.ToolResult{}, pipeerrors.New(pipeerrors.KindValidation, "", "waiting task has no pending tool call")
	}
	lost := proto.ToolResult{CallID: call.ID, Name: call.Name, Status: proto.ToolError}
	if o.tools == nil {
		lost.Error = "no tool invoker configured"
		return lost, nil
	}
	res, err := o.tools.Poll(ctx, call.ID)
	if pipeerrors.Is(err, pipeerrors.KindNotFound) {
		lost.Error = "tool call " + call.ID + " was lost"
		return lost, nil
	}
	if err != nil {
		return proto.ToolResult{}, err
	}
	if res.CallID == "" {
		res.CallID = call.ID
	}
	return res, nil
}
