package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/session"
)

// SessionStore keeps sessions and their turns in SQLite.
type SessionStore struct {
	db *DB
}

// Sessions returns the session store view of the database.
func (d *DB) Sessions() *SessionStore {
	return &SessionStore{db: d}
}

var _ session.Store = (*SessionStore)(nil)

const sessionColumns = `id, workspace_id, client_ref, status, created_at, last_active, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var s session.Session
	var status, created, last string
	var closed sql.NullString
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.ClientRef, &status, &created, &last, &closed); err != nil {
		return nil, err //nolint:wrapcheck // callers classify sql.ErrNoRows
	}
	s.Status = session.Status(status)
	s.CreatedAt = parseTime(created)
	s.LastActive = parseTime(last)
	if closed.Valid {
		s.ClosedAt = parseTime(closed.String)
	}
	return &s, nil
}

// CreateSession creates a new session record in the database.
func (s *SessionStore) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, client_ref, status, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.WorkspaceID, sess.ClientRef, string(sess.Status), formatTime(sess.CreatedAt), formatTime(sess.LastActive))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeerrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// FindActive returns the most recently active live session of a workspace.
func (s *SessionStore) FindActive(ctx context.Context, workspaceID string) (*session.Session, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE workspace_id = ? AND status = ?
		ORDER BY last_active DESC
		LIMIT 1
	`, workspaceID, string(session.StatusActive))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeerrors.NotFound("active session for workspace", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return sess, nil
}

// ListActive returns every live session ordered by id.
func (s *SessionStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY id
	`, string(session.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// TouchSession records activity on a session.
func (s *SessionStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, `UPDATE sessions SET last_active = ? WHERE id = ?`, formatTime(at), id)
}

// SetStatus updates the status of a session, stamping closed_at when it stops being active.
func (s *SessionStore) SetStatus(ctx context.Context, id string, status session.Status, at time.Time) error {
	if status == session.StatusActive {
		return s.update(ctx, id, `UPDATE sessions SET status = ?, closed_at = NULL WHERE id = ?`, string(status), id)
	}
	return s.update(ctx, id, `UPDATE sessions SET status = ?, closed_at = ? WHERE id = ?`, string(status), formatTime(at), id)
}

func (s *SessionStore) update(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return pipeerrors.NotFound("session", id)
	}
	return nil
}

// AppendTurn stores a conversation turn with the next sequence number of the session.
func (s *SessionStore) AppendTurn(ctx context.Context, sessionID string, turn session.Turn) (session.Turn, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Turn{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return session.Turn{}, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return session.Turn{}, pipeerrors.NotFound("session", sessionID)
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM session_turns WHERE session_id = ?
	`, sessionID).Scan(&turn.Seq); err != nil {
		return session.Turn{}, fmt.Errorf("failed to allocate turn sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_turns (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)
	`, sessionID, turn.Seq, turn.Role, turn.Content, formatTime(turn.At)); err != nil {
		return session.Turn{}, fmt.Errorf("failed to insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Turn{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return turn, nil
}

// Turns returns a session's conversation in order.
func (s *SessionStore) Turns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT seq, role, content, created_at FROM session_turns WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []session.Turn
	for rows.Next() {
		var t session.Turn
		var at string
		if err := rows.Scan(&t.Seq, &t.Role, &t.Content, &at); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.At = parseTime(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows: %w", err)
	}
	return out, nil
}
