// Package progress records one event per task state transition and fans it out to the event
// log, Prometheus, and in-process observers.
package progress

import (
	"context"
	"sync"
	"time"

	"codepipe/pkg/proto"
)

// Event describes one transition of a task's state machine.
//
//nolint:govet // logical grouping preferred over alignment
type Event struct {
	TaskID       string        `json:"task_id"`
	SessionID    string        `json:"session_id,omitempty"`
	From         proto.State   `json:"from"`
	To           proto.State   `json:"to"`
	Stage        proto.Stage   `json:"stage,omitempty"`
	Attempt      int           `json:"attempt,omitempty"`
	Duration     time.Duration `json:"duration_ns,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Error        string        `json:"error,omitempty"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	At           time.Time     `json:"at"`
}

// Tracker receives transition events. Implementations must be safe for concurrent use and must
// not block the caller for long.
type Tracker interface {
	Record(ctx context.Context, ev Event)
}

// Multi fans events out to every tracker in order.
type Multi []Tracker

// Record forwards ev to each tracker.
func (m Multi) Record(ctx context.Context, ev Event) {
	for _, t := range m {
		if t != nil {
			t.Record(ctx, ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Event) {}

// Memory keeps every event in memory and notifies subscribers.
type Memory struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
}

// NewMemory creates an empty in-memory tracker.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends ev. Subscribers that are not keeping up miss events.
func (m *Memory) Record(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Events returns a copy of the recorded events, optionally restricted to one task.
func (m *Memory) Events(taskID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		if taskID == "" || ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns a buffered channel receiving future events.
func (m *Memory) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}
