package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"codepipe/pkg/checkpoint"
	"codepipe/pkg/knowledge"
	"codepipe/pkg/memview"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/progress"
	"codepipe/pkg/proto"
	"codepipe/pkg/worker"
)

const maxAnnotations = 5

// drive is the task's runner goroutine.
func (o *Orchestrator) drive(ctx context.Context, r *run, task *proto.Task) {
	defer o.wg.Done()
	o.loop(ctx, r, task)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled && !r.task.State.IsTerminal() {
		final := r.task.Clone()
		o.finishCancelled(context.WithoutCancel(ctx), final)
		r.task = final
	}
	r.running = false
	r.cancel()
	close(r.done)
}

// loop advances task until it is terminal, suspended on a tool, cancelled, or aborted.
func (o *Orchestrator) loop(ctx context.Context, r *run, task *proto.Task) {
	if task.State == proto.StateCreated {
		if err := o.setState(task, proto.StatePreprocessing); err != nil {
			o.terminate(ctx, r, task, time.Time{}, fatal("", err, "starting task"))
			return
		}
		o.emit(ctx, task, proto.StateCreated, progress.Event{Stage: task.Cursor})
		o.publish(r, task)
	}
	for {
		if task.State.IsTerminal() || task.State == proto.StateWaitingOnTool {
			return
		}
		if o.isCancelled(r) || ctx.Err() != nil {
			return
		}
		if stage, ok := proto.StageForState(task.State); !ok || stage != task.Cursor {
			o.terminate(ctx, r, task, time.Time{}, pipeerrors.New(pipeerrors.KindFatal, task.Cursor,
				"state %s does not match cursor %s", task.State, task.Cursor))
			return
		}
		o.attempt(ctx, r, task)
	}
}

// attempt runs one attempt of the cursor stage, including any completed tool rounds, and
// either commits, records a failure, or suspends the task.
func (o *Orchestrator) attempt(ctx context.Context, r *run, task *proto.Task) {
	stage := task.Cursor
	attemptNo := len(task.Feedback) + 1
	started := o.now()

	view, err := o.memoryView(ctx, task, stage)
	if o.isCancelled(r) || ctx.Err() != nil {
		return
	}
	if err != nil {
		o.fail(ctx, r, task, started, err)
		return
	}

	var candidates []worker.Candidate
	if stage == proto.StageVoting {
		candidates = codingCandidates(task)
	}
	ep, err := o.workers.Get(stage)
	if err != nil {
		o.terminate(ctx, r, task, started, fatal(stage, err, "no worker"))
		return
	}

	for {
		resp, err := ep.Call(ctx, o.buildRequest(task, stage, attemptNo, view, candidates))
		if o.isCancelled(r) || ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			o.fail(ctx, r, task, started, err)
			return
		case resp == nil:
			o.fail(ctx, r, task, started, pipeerrors.New(pipeerrors.KindValidation, stage, "worker returned no response"))
			return
		case resp.Error != nil:
			o.fail(ctx, r, task, started, &pipeerrors.Error{Kind: pipeerrors.KindWorker, Stage: stage, Message: "worker reported an error", Err: resp.Error})
			return
		case resp.ToolCall != nil:
			if !o.runTool(ctx, r, task, started, resp.ToolCall) {
				return
			}
			continue
		}

		v, err := validateOutput(stage, resp.Output, task, candidates)
		if err != nil {
			o.fail(ctx, r, task, started, err)
			return
		}
		o.commit(ctx, r, task, started, resp, v, view)
		return
	}
}

// runTool invokes a requested tool. It reports true when the stage should be re-invoked with
// the result folded in, and false when the attempt ended: failed, suspended, or cancelled.
func (o *Orchestrator) runTool(ctx context.Context, r *run, task *proto.Task, started time.Time, call *proto.ToolCall) bool {
	stage := task.Cursor
	if task.ToolRounds >= o.cfg.MaxToolRounds {
		o.fail(ctx, r, task, started, pipeerrors.New(pipeerrors.KindValidation, stage,
			"exceeded %d tool rounds without producing output", o.cfg.MaxToolRounds))
		return false
	}
	if call.ID == "" {
		call.ID = fmt.Sprintf("%s-%s-%d", task.ID, stage, len(task.ToolResults)+1)
	}

	res := proto.ToolResult{CallID: call.ID, Name: call.Name, Status: proto.ToolError, Error: "no tool invoker configured"}
	if o.tools != nil {
		var err error
		res, err = o.tools.Invoke(ctx, *call)
		if o.isCancelled(r) || ctx.Err() != nil {
			return false
		}
		if err != nil {
			res = proto.ToolResult{Status: proto.ToolError, Error: err.Error()}
		}
		res.CallID, res.Name = call.ID, call.Name
	}

	if res.Status == proto.ToolPending {
		o.suspend(ctx, r, task, call)
		return false
	}
	task.ToolResults = append(task.ToolResults, res)
	task.ToolRounds++
	o.publish(r, task)
	o.logger.Debug("task %s: tool %s %s, re-invoking %s", task.ID, call.Name, res.Status, stage)
	return true
}

// suspend parks the task on a pending tool call and writes a checkpoint so the wait survives
// restarts.
func (o *Orchestrator) suspend(ctx context.Context, r *run, task *proto.Task, call *proto.ToolCall) {
	from := task.State
	task.PendingTool = call
	task.SuspendedFrom = from
	if err := o.setState(task, proto.StateWaitingOnTool); err != nil {
		o.terminate(ctx, r, task, time.Time{}, fatal(task.Cursor, err, "suspending"))
		return
	}
	id, err := o.checkpointAndPublish(ctx, r, task, false)
	if err != nil {
		o.logger.Error("task %s: suspension checkpoint failed: %v", task.ID, err)
	}
	o.emit(ctx, task, from, progress.Event{Stage: task.Cursor, CheckpointID: id})
	o.logger.Info("task %s waiting on tool %s (%s)", task.ID, call.Name, call.ID)
}

// fail records a failed attempt. Retryable failures are folded into the next attempt's
// feedback until the retry bound is exhausted; anything else ends the task.
func (o *Orchestrator) fail(ctx context.Context, r *run, task *proto.Task, started time.Time, err error) {
	stage := task.Cursor
	var pe *pipeerrors.Error
	if !errors.As(err, &pe) {
		pe = &pipeerrors.Error{Kind: pipeerrors.KindWorker, Stage: stage, Message: "worker call failed", Err: err}
	}
	attemptNo := len(task.Feedback) + 1
	o.emit(ctx, task, task.State, progress.Event{
		Stage:     stage,
		Attempt:   attemptNo,
		Duration:  o.now().Sub(started),
		ErrorKind: pe.Kind.String(),
		Error:     pe.Error(),
	})
	o.logger.Warn("task %s: %s attempt %d failed: %v", task.ID, stage, attemptNo, pe)

	if !pe.Retryable() {
		o.terminate(ctx, r, task, started, pe)
		return
	}
	task.Feedback = append(task.Feedback, pe.Error())
	task.ToolRounds = 0
	if len(task.Feedback) > o.cfg.RetryBound {
		o.terminate(ctx, r, task, started, pe)
		return
	}
	o.publish(r, task)
}

// terminate moves the task to FAILED with a FatalPipelineError naming the last cause and the
// last good checkpoint, then archives it.
func (o *Orchestrator) terminate(ctx context.Context, r *run, task *proto.Task, started time.Time, cause *pipeerrors.Error) {
	o.adoptFlushed(r, task)
	stage := task.Cursor
	attempts := len(task.Feedback)
	if !cause.Retryable() {
		// Retryable causes were already folded into the feedback.
		attempts++
	}
	msg := cause.Error()
	if cause.Retryable() {
		msg = fmt.Sprintf("%s failed after %d attempts: %s", stage, attempts, cause.Error())
	}
	te := &proto.TerminalError{
		Kind:         pipeerrors.KindFatal.String(),
		Message:      msg,
		Stage:        stage,
		LastState:    task.State,
		CheckpointID: task.LastCheckpointID,
		Attempts:     attempts,
	}
	if started.IsZero() {
		started = o.now()
	}
	task.History = append(task.History, proto.StageResult{
		Stage:      stage,
		Attempt:    attempts,
		Error:      te,
		StartedAt:  started.UTC(),
		FinishedAt: o.now().UTC(),
	})
	task.Terminal = te
	from := task.State
	task.State, task.Status, task.Cursor = proto.StateFailed, proto.StatusFailed, ""

	o.archive(ctx, task)
	o.emit(ctx, task, from, progress.Event{Stage: stage, ErrorKind: te.Kind, Error: te.Message, CheckpointID: te.CheckpointID})
	o.publish(r, task)
	o.logger.Error("task %s failed in %s: %s (last checkpoint %s)", task.ID, stage, te.Message, te.CheckpointID)
}

// finishCancelled moves task to CANCELLED and archives it.
func (o *Orchestrator) finishCancelled(ctx context.Context, task *proto.Task) {
	from := task.State
	task.Terminal = &proto.TerminalError{
		Kind:         pipeerrors.KindCancelled.String(),
		Message:      "task cancelled",
		Stage:        task.Cursor,
		LastState:    from,
		CheckpointID: task.LastCheckpointID,
	}
	stage := task.Cursor
	task.State, task.Status, task.Cursor = proto.StateCancelled, proto.StatusCancelled, ""
	task.PendingTool = nil
	o.archive(ctx, task)
	o.emit(ctx, task, from, progress.Event{Stage: stage, CheckpointID: task.LastCheckpointID})
	o.logger.Info("task %s cancelled in %s", task.ID, from)
}

// commit appends a validated result, routes to the next state, and writes the one checkpoint
// for it.
func (o *Orchestrator) commit(ctx context.Context, r *run, task *proto.Task, started time.Time,
	resp *worker.Response, v *validated, view *memview.View,
) {
	stage := task.Cursor
	attemptNo := len(task.Feedback) + 1
	prior := *task

	if v.plan != nil {
		annotate(v.plan, view)
		body, err := json.Marshal(v.plan)
		if err != nil {
			o.terminate(ctx, r, task, started, fatal(stage, err, "encoding plan"))
			return
		}
		v.output = body
		task.Plan = v.plan
	}
	result := proto.StageResult{
		Stage:       stage,
		Attempt:     attemptNo,
		Output:      v.output,
		Confidence:  resp.Confidence,
		ContentHash: proto.ContentHash(v.output),
		UsedNodes:   resp.UsedNodes,
		StartedAt:   started.UTC(),
		FinishedAt:  o.now().UTC(),
	}
	if v.decision != nil {
		result.Confidence = v.decision.Confidence
	}
	if view != nil {
		result.Generation = view.Generation
	}

	from := task.State
	task.History = append(task.History, result)
	task.Feedback, task.ToolResults, task.ToolRounds = nil, nil, 0
	next := o.route(task, stage, v)
	if err := o.setState(task, next); err != nil {
		o.terminate(ctx, r, task, started, fatal(stage, err, "routing"))
		return
	}

	// Usage is recorded before the checkpoint so a resumed task never runs without it.
	o.recordUsage(ctx, task, view, resp.UsedNodes)
	id, err := o.checkpointAndPublish(ctx, r, task, next.IsTerminal())
	if err != nil {
		restore(task, &prior)
		o.terminate(ctx, r, task, started, fatal(stage, err, "checkpoint write"))
		return
	}
	o.emit(ctx, task, from, progress.Event{
		Stage:        stage,
		Attempt:      attemptNo,
		Duration:     result.FinishedAt.Sub(result.StartedAt),
		CheckpointID: id,
	})
	o.logger.Info("task %s: committed %s (attempt %d) -> %s [%s]", task.ID, stage, attemptNo, next, id)
}

// restore undoes an uncommitted result on task, leaving fields written since unchanged.
func restore(task, prior *proto.Task) {
	task.History, task.Plan = prior.History, prior.Plan
	task.State, task.Status, task.Cursor = prior.State, prior.Status, prior.Cursor
	task.Reworks = prior.Reworks
	task.Feedback, task.ToolResults, task.ToolRounds = prior.Feedback, prior.ToolResults, prior.ToolRounds
}

// route picks the state after a committed stage.
func (o *Orchestrator) route(task *proto.Task, stage proto.Stage, v *validated) proto.State {
	switch stage {
	case proto.StagePreprocessing:
		return proto.StatePlanning
	case proto.StagePlanning:
		return proto.StateCoding
	case proto.StageCoding:
		if task.Reworks > 0 {
			return proto.StateVoting
		}
		return proto.StateReviewing
	case proto.StageReviewing:
		if v.review != nil && !v.review.Approved && task.Reworks < o.cfg.ReworkBudget {
			task.Reworks++
			return proto.StateCoding
		}
		return proto.StateVoting
	}
	return proto.StateCompleted
}

// setState applies a transition from the table, keeping the cursor and status in step.
func (o *Orchestrator) setState(task *proto.Task, to proto.State) error {
	if !proto.ValidTransitions.IsValidTransition(task.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", task.State, to, task.ID)
	}
	task.State = to
	task.Status = proto.StatusForState(to)
	switch {
	case to.IsTerminal():
		task.Cursor = ""
	case to != proto.StateWaitingOnTool:
		task.Cursor, _ = proto.StageForState(to)
	}
	return nil
}

// checkpointAndPublish saves the snapshot, records the task, and publishes it. Writes are not
// interrupted by Stop so a commit is either fully durable or absent.
func (o *Orchestrator) checkpointAndPublish(ctx context.Context, r *run, task *proto.Task, archive bool) (string, error) {
	ctx = context.WithoutCancel(ctx)
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	id, err := o.save(ctx, task)
	if err != nil {
		return "", err
	}
	task.LastCheckpointID = id
	if err := o.tasks.SaveTask(ctx, task, archive); err != nil {
		o.logger.Warn("task %s: record write failed: %v", task.ID, err)
	}
	o.publish(r, task)
	return id, nil
}

func (o *Orchestrator) save(ctx context.Context, task *proto.Task) (string, error) {
	var sess *checkpoint.SessionState
	if o.sessionState != nil && task.SessionID != "" {
		s, err := o.sessionState(ctx, task.SessionID)
		if err != nil {
			o.logger.Debug("task %s: no session state for checkpoint: %v", task.ID, err)
		} else {
			sess = s
		}
	}
	return o.checkpoints.Save(ctx, task.ID, checkpoint.NewSnapshot(task, sess))
}

func (o *Orchestrator) archive(ctx context.Context, task *proto.Task) {
	if err := o.tasks.SaveTask(context.WithoutCancel(ctx), task, true); err != nil {
		o.logger.Warn("task %s: archive failed: %v", task.ID, err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, task *proto.Task, from proto.State, ev progress.Event) {
	ev.TaskID = task.ID
	ev.SessionID = task.SessionID
	ev.From = from
	ev.To = task.State
	ev.At = o.now().UTC()
	o.tracker.Record(ctx, ev)
}

// memoryView asks the stage lens for context. Without a memory source the stage runs blind.
func (o *Orchestrator) memoryView(ctx context.Context, task *proto.Task, stage proto.Stage) (*memview.View, error) {
	if o.memory == nil || o.viewer == nil {
		return nil, nil
	}
	mem := o.memory.Memory(task.WorkspaceID)
	if mem == nil {
		return nil, pipeerrors.New(pipeerrors.KindNotReady, stage, "no memory network for workspace %s", task.WorkspaceID)
	}
	text, targets := contextText(task, stage)
	return o.viewer.View(ctx, mem, memview.Request{
		Stage:       stage,
		Text:        text,
		TargetFiles: targets,
	})
}

// recordUsage reports which shown nodes the worker relied on. Nothing is recorded when the
// worker did not say.
func (o *Orchestrator) recordUsage(ctx context.Context, task *proto.Task, view *memview.View, used []string) {
	if o.memory == nil || view == nil || len(used) == 0 {
		return
	}
	mem := o.memory.Memory(task.WorkspaceID)
	if mem == nil {
		return
	}
	usedSet := make(map[string]bool, len(used))
	for _, id := range used {
		usedSet[id] = true
	}
	var unused []string
	for _, id := range view.NodeIDs() {
		if !usedSet[id] {
			unused = append(unused, id)
		}
	}
	ctx = context.WithoutCancel(ctx)
	if err := mem.RecordUsage(ctx, used, true); err != nil {
		o.logger.Warn("task %s: recording useful nodes: %v", task.ID, err)
	}
	if len(unused) > 0 {
		if err := mem.RecordUsage(ctx, unused, false); err != nil {
			o.logger.Warn("task %s: recording unused nodes: %v", task.ID, err)
		}
	}
}

func (o *Orchestrator) buildRequest(task *proto.Task, stage proto.Stage, attemptNo int, view *memview.View,
	candidates []worker.Candidate,
) *worker.Request {
	req := &worker.Request{
		TaskID:      task.ID,
		Stage:       stage,
		Attempt:     attemptNo,
		Intent:      task.Intent,
		Memory:      view,
		Feedback:    append([]string(nil), task.Feedback...),
		ToolResults: append([]proto.ToolResult(nil), task.ToolResults...),
		Candidates:  candidates,
	}
	for _, res := range task.History {
		if res.Error == nil {
			req.Prior = append(req.Prior, res)
		}
	}
	if task.Plan != nil {
		ordered := &proto.Plan{Subtasks: ExecutionOrder(task.Plan)}
		req.Plan = ordered
	}
	if stage == proto.StageCoding && task.Reworks > 0 {
		req.Issues = lastIssues(task)
	}
	return req
}

func lastIssues(task *proto.Task) []string {
	res, ok := task.LastCommitted(proto.StageReviewing)
	if !ok {
		return nil
	}
	var review ReviewOutput
	if err := json.Unmarshal(res.Output, &review); err != nil {
		return nil
	}
	return review.Issues
}

// codingCandidates lists every committed coding result in history order.
func codingCandidates(task *proto.Task) []worker.Candidate {
	results := task.Committed(proto.StageCoding)
	out := make([]worker.Candidate, 0, len(results))
	for _, res := range results {
		out = append(out, worker.Candidate{Hash: res.ContentHash, Output: res.Output, Confidence: res.Confidence})
	}
	return out
}

// contextText is the memory query for a stage and the files it targets.
func contextText(task *proto.Task, stage proto.Stage) (string, []string) {
	parts := []string{task.Intent}
	var targets []string

	if res, ok := task.LastCommitted(proto.StagePreprocessing); ok && stage != proto.StagePreprocessing {
		var pre PreprocessOutput
		if json.Unmarshal(res.Output, &pre) == nil {
			parts = append(parts, pre.Summary, strings.Join(pre.Keywords, " "))
			targets = append(targets, pre.TargetFiles...)
		}
	}
	switch stage {
	case proto.StageCoding:
		if task.Plan != nil {
			for _, st := range task.Plan.Subtasks {
				parts = append(parts, st.Description)
				targets = append(targets, st.TargetFiles...)
			}
		}
		parts = append(parts, lastIssues(task)...)
	case proto.StageReviewing:
		if res, ok := task.LastCommitted(proto.StageCoding); ok {
			var code CodingOutput
			if json.Unmarshal(res.Output, &code) == nil {
				for _, c := range code.Changes {
					parts = append(parts, c.File)
					targets = append(targets, c.File)
				}
			}
		}
	}
	return strings.Join(parts, "\n"), dedupe(targets)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// annotate attaches ranked memory node ids to subtasks that have none: nodes under the
// subtask's target files, or sharing a token with its description when it names no files.
func annotate(plan *proto.Plan, view *memview.View) {
	if view == nil || len(view.Nodes) == 0 {
		return
	}
	for i := range plan.Subtasks {
		st := &plan.Subtasks[i]
		if len(st.Annotations) > 0 {
			continue
		}
		words := make(map[string]bool)
		for _, tok := range knowledge.Tokenize(st.Description) {
			words[tok] = true
		}
		for _, n := range view.Nodes {
			if len(st.Annotations) == maxAnnotations {
				break
			}
			if relevantTo(n, st.TargetFiles, words) {
				st.Annotations = append(st.Annotations, n.ID)
			}
		}
	}
}

func relevantTo(n knowledge.RankedNode, targets []string, words map[string]bool) bool {
	if len(targets) > 0 {
		for _, t := range targets {
			t = strings.TrimSuffix(t, "/")
			if n.Path == t || strings.HasPrefix(n.Path, t+"/") {
				return true
			}
		}
		return false
	}
	for _, tok := range knowledge.Tokenize(n.Name) {
		if words[tok] {
			return true
		}
	}
	return false
}

func fatal(stage proto.Stage, err error, message string) *pipeerrors.Error {
	return &pipeerrors.Error{Kind: pipeerrors.KindFatal, Stage: stage, Message: message, Err: err}
}
