package orch

import (
	"context"
	"sync"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// TaskStore keeps the latest record of every task. Archived records belong to terminal tasks
// and are never rewritten by a runner.
type TaskStore interface {
	SaveTask(ctx context.Context, task *proto.Task, archived bool) error
	GetTask(ctx context.Context, id string) (*proto.Task, bool, error)
	TasksForSession(ctx context.Context, sessionID string) ([]*proto.Task, error)
}

type taskRecord struct {
	task     *proto.Task
	archived bool
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	tasks map[string]taskRecord
	order []string
	mu    sync.Mutex
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]taskRecord)}
}

// SaveTask stores a copy of task.
func (s *MemoryTaskStore) SaveTask(_ context.Context, task *proto.Task, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = taskRecord{task: task.Clone(), archived: archived}
	return nil
}

// GetTask returns a copy of the record.
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (*proto.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, false, pipeerrors.NotFound("task", id)
	}
	return rec.task.Clone(), rec.archived, nil
}

// TasksForSession returns copies of the session's tasks in creation order.
func (s *MemoryTaskStore) TasksForSession(_ context.Context, sessionID string) ([]*proto.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*proto.Task
	for _, id := range s.order {
		if rec := s.tasks[id]; rec.task.SessionID == sessionID {
			out = append(out, rec.task.Clone())
		}
	}
	return out, nil
}
