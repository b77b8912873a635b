package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// TaskStore keeps the latest record of every task, including archived terminal ones.
type TaskStore struct {
	db *DB
}

// Tasks returns the task store view of the database.
func (d *DB) Tasks() *TaskStore {
	return &TaskStore{db: d}
}

// SaveTask upserts the task record. archived marks a terminal task whose record is final.
func (s *TaskStore) SaveTask(ctx context.Context, task *proto.Task, archived bool) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	flag := 0
	if archived {
		flag = 1
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, workspace_id, state, status, archived, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			archived = excluded.archived,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, task.ID, task.SessionID, task.WorkspaceID, string(task.State), string(task.Status), flag, string(body), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns a task record and whether it is archived.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*proto.Task, bool, error) {
	var body string
	var archived int
	err := s.db.db.QueryRowContext(ctx, `SELECT body, archived FROM tasks WHERE id = ?`, id).Scan(&body, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, pipeerrors.NotFound("task", id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	var task proto.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, false, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &task, archived == 1, nil
}

// TasksForSession returns the tasks of a session in creation order.
func (s *TaskStore) TasksForSession(ctx context.Context, sessionID string) ([]*proto.Task, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT body FROM tasks WHERE session_id = ? ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*proto.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var task proto.Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}
