package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codepipe/pkg/checkpoint"
	"codepipe/pkg/pipeerrors"
)

// CheckpointStore keeps checkpoint blobs and records in SQLite.
type CheckpointStore struct {
	db *DB
}

// Checkpoints returns the checkpoint store view of the database.
func (d *DB) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db: d}
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func (s *CheckpointStore) PutBlob(ctx context.Context, hash, schemaVersion string, body []byte) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO checkpoint_blobs (hash, schema_version, body) VALUES (?, ?, ?)
	`, hash, schemaVersion, body)
	if err != nil {
		return fmt.Errorf("failed to store blob %s: %w", hash, err)
	}
	return nil
}

func (s *CheckpointStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var body []byte
	err := s.db.db.QueryRowContext(ctx, `SELECT body FROM checkpoint_blobs WHERE hash = ?`, hash).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeerrors.NotFound("checkpoint blob", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return body, nil
}

func (s *CheckpointStore) Append(ctx context.Context, rec checkpoint.Record) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, seq, hash, created_at) VALUES (?, ?, ?, ?)
	`, rec.TaskID, rec.Seq, rec.Hash, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append checkpoint %s: %w", rec.ID(), err)
	}
	return nil
}

func (s *CheckpointStore) Records(ctx context.Context, taskID string) ([]checkpoint.Record, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT seq, hash, created_at FROM checkpoints WHERE task_id = ? ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []checkpoint.Record
	for rows.Next() {
		rec := checkpoint.Record{TaskID: taskID}
		var created string
		if err := rows.Scan(&rec.Seq, &rec.Hash, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

func (s *CheckpointStore) DeleteRecords(ctx context.Context, taskID string, seqs []int64) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ? AND seq = ?`, taskID, seq); err != nil {
			return fmt.Errorf("failed to delete checkpoint %s: %w", checkpoint.FormatID(taskID, seq), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *CheckpointStore) PruneBlobs(ctx context.Context, hashes []string) (int, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	for _, hash := range hashes {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoint_blobs
			WHERE hash = ? AND NOT EXISTS (SELECT 1 FROM checkpoints WHERE checkpoints.hash = ?)
		`, hash, hash)
		if err != nil {
			return 0, fmt.Errorf("failed to prune blob %s: %w", hash, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return removed, nil
}
