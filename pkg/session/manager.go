// Package session owns the client-facing lifecycle of tasks: creating or reattaching a
// workspace session, recording conversation turns, and closing idle sessions after flushing
// their tasks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// Runner is the orchestrator surface the session layer drives.
type Runner interface {
	Submit(ctx context.Context, sessionID, workspaceID, intent string) (*proto.Task, error)
	Resume(ctx context.Context, taskID string) (*proto.Task, error)
	Flush(ctx context.Context, taskID string) error
	Cancel(taskID string) error
	SessionTasks(ctx context.Context, sessionID string) ([]*proto.Task, error)
}

// Request opens or reattaches a session. Intent, when set, submits a new task on it.
type Request struct {
	WorkspaceID string
	ClientRef   string
	Intent      string
}

// Attachment is the result of CreateOrResume.
type Attachment struct {
	Session  *Session
	Resumed  bool
	Tasks    []*proto.Task
	NewTask  *proto.Task
	Warnings []string
}

// Manager creates, reattaches, and closes sessions.
type Manager struct {
	store  Store
	runner Runner
	ttl    time.Duration
	now    func() time.Time
	logger *logx.Logger

	mu     sync.Mutex // serializes create-or-resume per process
	stopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. A zero ttl disables expiry.
func NewManager(store Store, runner Runner, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		runner: runner,
		ttl:    ttl,
		now:    time.Now,
		logger: logx.NewLogger("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrResume reattaches the live session of req.WorkspaceID, resuming each of its unfinished
// tasks from their latest checkpoint, or creates a new session. An expired session is closed
// first and replaced.
func (m *Manager) CreateOrResume(ctx context.Context, req Request) (*Attachment, error) {
	if req.WorkspaceID == "" {
		return nil, pipeerrors.New(pipeerrors.KindValidation, "", "workspace id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	att := &Attachment{}

	existing, err := m.store.FindActive(ctx, req.WorkspaceID)
	switch {
	case err == nil && existing.Expired(now, m.ttl):
		m.logger.Info("session %s expired, replacing", existing.ID)
		if cerr := m.closeSession(ctx, existing, StatusExpired); cerr != nil {
			att.Warnings = append(att.Warnings, cerr.Error())
		}
	case err == nil:
		att.Session = existing
		att.Resumed = true
	case !errors.Is(err, pipeerrors.ErrNotFound):
		return nil, fmt.Errorf("failed to look up session for %s: %w", req.WorkspaceID, err)
	}

	if att.Session == nil {
		s := &Session{
			ID:          uuid.New().String(),
			WorkspaceID: req.WorkspaceID,
			ClientRef:   req.ClientRef,
			Status:      StatusActive,
			CreatedAt:   now,
			LastActive:  now,
		}
		if err := m.store.CreateSession(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		att.Session = s
		m.logger.Info("created session %s for %s", s.ID, s.WorkspaceID)
	} else {
		if err := m.store.TouchSession(ctx, att.Session.ID, now); err != nil {
			return nil, fmt.Errorf("failed to touch session %s: %w", att.Session.ID, err)
		}
		att.Session.LastActive = now
		tasks, err := m.runner.SessionTasks(ctx, att.Session.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks of session %s: %w", att.Session.ID, err)
		}
		for _, t := range tasks {
			if t.State.IsTerminal() {
				att.Tasks = append(att.Tasks, t)
				continue
			}
			resumed, err := m.runner.Resume(ctx, t.ID)
			if err != nil {
				m.logger.Warn("task %s of session %s did not resume: %v", t.ID, att.Session.ID, err)
				att.Warnings = append(att.Warnings, fmt.Sprintf("task %s: %v", t.ID, err))
				att.Tasks = append(att.Tasks, t)
				continue
			}
			att.Tasks = append(att.Tasks, resumed)
		}
		m.logger.Info("reattached session %s (%d tasks)", att.Session.ID, len(att.Tasks))
	}

	if req.Intent != "" {
		task, err := m.runner.Submit(ctx, att.Session.ID, att.Session.WorkspaceID, req.Intent)
		if err != nil {
			return nil, fmt.Errorf("failed to submit task: %w", err)
		}
		att.NewTask = task
		att.Tasks = append(att.Tasks, task)
		if _, err := m.RecordTurn(ctx, att.Session.ID, "user", req.Intent); err != nil {
			att.Warnings = append(att.Warnings, err.Error())
		}
	}
	return att, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.GetSession(ctx, id)
}

// RecordTurn appends a conversation turn and marks the session active.
func (m *Manager) RecordTurn(ctx context.Context, sessionID, role, content string) (Turn, error) {
	now := m.now().UTC()
	turn, err := m.store.AppendTurn(ctx, sessionID, Turn{Role: role, Content: content, At: now})
	if err != nil {
		return Turn{}, fmt.Errorf("failed to record turn on %s: %w", sessionID, err)
	}
	if err := m.store.TouchSession(ctx, sessionID, now); err != nil {
		return turn, fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return turn, nil
}

// Turns returns the recorded conversation of a session.
func (m *Manager) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	return m.store.Turns(ctx, sessionID)
}

// Close flushes every unfinished task of the session to its checkpoint, cancels it, and marks
// the session closed.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != StatusActive {
		return nil
	}
	return m.closeSession(ctx, s, StatusClosed)
}

func (m *Manager) closeSession(ctx context.Context, s *Session, status Status) error {
	tasks, err := m.runner.SessionTasks(ctx, s.ID)
	if err != nil {
		m.logger.Warn("could not list tasks of %s during close: %v", s.ID, err)
	}
	var errs []error
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		if err := m.runner.Flush(ctx, t.ID); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", t.ID, err))
		}
		if err := m.runner.Cancel(t.ID); err != nil && !pipeerrors.Is(err, pipeerrors.KindNotFound) {
			errs = append(errs, fmt.Errorf("cancel %s: %w", t.ID, err))
		}
	}
	if err := m.store.SetStatus(ctx, s.ID, status, m.now().UTC()); err != nil {
		errs = append(errs, fmt.Errorf("failed to mark session %s %s: %w", s.ID, status, err))
	}
	m.logger.Info("session %s %s (%d tasks)", s.ID, status, len(tasks))
	return errors.Join(errs...)
}

// ReapExpired closes every active session idle past the TTL and returns their ids. Failures are
// logged and do not stop the sweep.
func (m *Manager) ReapExpired(ctx context.Context) []string {
	if m.ttl <= 0 {
		return nil
	}
	active, err := m.store.ListActive(ctx)
	if err != nil {
		m.logger.Warn("reaper could not list sessions: %v", err)
		return nil
	}
	now := m.now().UTC()
	var reaped []string
	for _, s := range active {
		if !s.Expired(now, m.ttl) {
			continue
		}
		if err := m.closeSession(ctx, s, StatusExpired); err != nil {
			m.logger.Warn("reaping %s: %v", s.ID, err)
		}
		reaped = append(reaped, s.ID)
	}
	return reaped
}

// StartReaper runs ReapExpired every interval until Stop or ctx cancellation.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.ttl <= 0 {
		return
	}
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ids := m.ReapExpired(ctx); len(ids) > 0 {
					m.logger.Info("reaped %d expired sessions", len(ids))
				}
			}
		}
	}(m.done)
}

// Stop halts the reaper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	cancel, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.stopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
