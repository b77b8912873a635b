// Package api is the versioned remote surface for submitting, inspecting and cancelling tasks.
package api

import (
	"context"
	"errors"
	"strings"

	"codepipe/pkg/orch"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
	"codepipe/pkg/session"
)

// Version is the API version carried by every response.
const Version = "v1"

// SubmitTaskRequest opens or reattaches the workspace session and submits intent on it.
type SubmitTaskRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ClientRef   string `json:"client_ref,omitempty"`
	Intent      string `json:"intent"`
}

// SubmitTaskResponse names the new task.
type SubmitTaskResponse struct {
	APIVersion string           `json:"api_version"`
	SessionID  string           `json:"session_id"`
	TaskID     string           `json:"task_id"`
	State      proto.State      `json:"state"`
	Status     proto.TaskStatus `json:"status"`
	Resumed    bool             `json:"resumed_session"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// GetStatusRequest asks for one task.
type GetStatusRequest struct {
	TaskID string `json:"task_id"`
}

// GetStatusResponse carries the task view.
type GetStatusResponse struct {
	APIVersion string           `json:"api_version"`
	Task       *orch.TaskStatus `json:"task"`
}

// CancelTaskRequest stops one task.
type CancelTaskRequest struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResponse reports the state after the cancel request.
type CancelTaskResponse struct {
	APIVersion string      `json:"api_version"`
	TaskID     string      `json:"task_id"`
	State      proto.State `json:"state"`
}

// ErrorBody is the error payload of a failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody with the version.
type ErrorResponse struct {
	APIVersion string    `json:"api_version"`
	Error      ErrorBody `json:"error"`
}

// Sessions is the session surface the service needs.
type Sessions interface {
	CreateOrResume(ctx context.Context, req session.Request) (*session.Attachment, error)
}

// Tasks is the orchestrator surface the service needs.
type Tasks interface {
	Status(ctx context.Context, taskID string) (*orch.TaskStatus, error)
	Cancel(taskID string) error
}

// Service implements the v1 operations.
type Service struct {
	sessions Sessions
	tasks    Tasks
}

// NewService creates a service.
func NewService(sessions Sessions, tasks Tasks) *Service {
	return &Service{sessions: sessions, tasks: tasks}
}

// SubmitTask creates a task for req.Intent.
func (s *Service) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	if strings.TrimSpace(req.WorkspaceID) == "" || strings.TrimSpace(req.Intent) == "" {
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "workspace_id and intent are required")
	}
	att, err := s.sessions.CreateOrResume(ctx, session.Request{
		WorkspaceID: req.WorkspaceID,
		ClientRef:   req.ClientRef,
		Intent:      req.Intent,
	})
	if err != nil {
		return nil, err
	}
	if att.NewTask == nil {
		return nil, errors.New("session accepted the request without creating a task")
	}
	return &SubmitTaskResponse{
		APIVersion: Version,
		SessionID:  att.Session.ID,
		TaskID:     att.NewTask.ID,
		State:      att.NewTask.State,
		Status:     att.NewTask.Status,
		Resumed:    att.Resumed,
		Warnings:   att.Warnings,
	}, nil
}

// GetStatus returns the task view.
func (s *Service) GetStatus(ctx context.Context, req *GetStatusRequest) (*GetStatusResponse, error) {
	if req.TaskID == "" {
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "task_id is required")
	}
	st, err := s.tasks.Status(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &GetStatusResponse{APIVersion: Version, Task: st}, nil
}

// CancelTask cancels the task. The returned state may still be running when the runner has not
// reached its next suspension point yet.
func (s *Service) CancelTask(ctx context.Context, req *CancelTaskRequest) (*CancelTaskResponse, error) {
	if req.TaskID == "" {
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "task_id is required")
	}
	if err := s.tasks.Cancel(req.TaskID); err != nil {
		return nil, err
	}
	st, err := s.tasks.Status(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &CancelTaskResponse{APIVersion: Version, TaskID: req.TaskID, State: st.State}, nil
}
