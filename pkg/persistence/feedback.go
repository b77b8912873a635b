package persistence

import (
	"context"
	"fmt"

	"codepipe/pkg/knowledge"
)

// FeedbackStore persists per-node usefulness counts for memory ranking.
type FeedbackStore struct {
	db *DB
}

// Feedback returns the feedback store view of the database.
func (d *DB) Feedback() *FeedbackStore {
	return &FeedbackStore{db: d}
}

var _ knowledge.FeedbackStore = (*FeedbackStore)(nil)

// LoadFeedback returns every recorded count for a workspace.
func (s *FeedbackStore) LoadFeedback(ctx context.Context, workspaceID string) (map[string]knowledge.Counts, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT node_id, useful, useless FROM node_feedback WHERE workspace_id = ?
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]knowledge.Counts)
	for rows.Next() {
		var id string
		var c knowledge.Counts
		if err := rows.Scan(&id, &c.Useful, &c.Useless); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feedback rows: %w", err)
	}
	return out, nil
}

// RecordFeedback increments one node's useful or useless count.
func (s *FeedbackStore) RecordFeedback(ctx context.Context, workspaceID, nodeID string, useful bool) error {
	column := "useless"
	if useful {
		column = "useful"
	}
	//nolint:gosec // column is one of two constants
	_, err := s.db.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO node_feedback (workspace_id, node_id, %[1]s) VALUES (?, ?, 1)
		ON CONFLICT (workspace_id, node_id) DO UPDATE SET %[1]s = %[1]s + 1
	`, column), workspaceID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to record feedback for %s: %w", nodeID, err)
	}
	return nil
}
