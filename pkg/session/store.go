package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"codepipe/pkg/pipeerrors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// Session is a client handle over the tasks of one workspace.
type Session struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ClientRef   string    `json:"client_ref,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
}

// Expired reports whether the session has been idle longer than ttl at now.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.LastActive) > ttl
}

// Turn is one recorded conversational exchange on a session.
type Turn struct {
	Seq     int       `json:"seq"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Store persists sessions and their turns.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetSession returns the session or a NotFound error.
	GetSession(ctx context.Context, id string) (*Session, error)
	// FindActive returns the most recently active session of a workspace or a NotFound error.
	FindActive(ctx context.Context, workspaceID string) (*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	SetStatus(ctx context.Context, id string, status Status, at time.Time) error
	// AppendTurn stores a turn and returns it with its assigned sequence number.
	AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error)
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	turns    map[string][]Turn
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), turns: make(map[string][]Turn)}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, pipeerrors.NotFound("session", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindActive(_ context.Context, workspaceID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Session
	for _, s := range m.sessions {
		if s.WorkspaceID != workspaceID || s.Status != StatusActive {
			continue
		}
		if best == nil || s.LastActive.After(best.LastActive) {
			best = s
		}
	}
	if best == nil {
		return nil, pipeerrors.NotFound("active session for workspace", workspaceID)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return pipeerrors.NotFound("session", id)
	}
	s.LastActive = at
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return pipeerrors.NotFound("session", id)
	}
	s.Status = status
	if status != StatusActive {
		s.ClosedAt = at
	}
	return nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn Turn) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return Turn{}, pipeerrors.NotFound("session", sessionID)
	}
	turn.Seq = len(m.turns[sessionID]) + 1
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return turn, nil
}

func (m *MemoryStore) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns[sessionID]...), nil
}
