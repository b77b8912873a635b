package orch

import (
	"context"
	"encoding/json"

	"codepipe/pkg/proto"
)

// TaskStatus is the read-only view of a task served to clients.
type TaskStatus struct {
	TaskID           string               `json:"task_id"`
	SessionID        string               `json:"session_id"`
	State            proto.State          `json:"state"`
	Status           proto.TaskStatus     `json:"status"`
	Stage            proto.Stage          `json:"stage,omitempty"`
	Attempt          int                  `json:"attempt,omitempty"`
	Reworks          int                  `json:"reworks"`
	Completed        []proto.Stage        `json:"completed_stages"`
	PendingTool      *proto.ToolCall      `json:"pending_tool,omitempty"`
	Result           *Decision            `json:"result,omitempty"`
	Error            *proto.TerminalError `json:"error,omitempty"`
	LastCheckpointID string               `json:"last_checkpoint_id,omitempty"`
}

// Status reports where taskID is without touching it. Tasks this orchestrator is not holding
// are read from storage and stay unloaded.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	if r := o.live(taskID); r != nil {
		return StatusOf(o.published(r)), nil
	}
	task, err := o.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return StatusOf(task), nil
}

// StatusOf summarizes task.
func StatusOf(task *proto.Task) *TaskStatus {
	st := &TaskStatus{
		TaskID:           task.ID,
		SessionID:        task.SessionID,
		State:            task.State,
		Status:           task.Status,
		Stage:            task.Cursor,
		Reworks:          task.Reworks,
		Completed:        []proto.Stage{},
		PendingTool:      task.PendingTool,
		Error:            task.Terminal,
		LastCheckpointID: task.LastCheckpointID,
	}
	if task.Cursor != "" {
		st.Attempt = len(task.Feedback) + 1
	}
	for _, res := range task.History {
		if res.Error == nil {
			st.Completed = append(st.Completed, res.Stage)
		}
	}
	if task.State == proto.StateCompleted {
		if res, ok := task.LastCommitted(proto.StageVoting); ok {
			var d Decision
			if json.Unmarshal(res.Output, &d) == nil {
				st.Result = &d
			}
		}
	}
	return st
}
