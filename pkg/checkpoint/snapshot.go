// Package checkpoint persists immutable, content-addressed task snapshots and restores the
// latest one by sequence number.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codepipe/pkg/proto"
)

// SchemaVersion is written into every snapshot. Readers accept any minor version of the same major.
const SchemaVersion = "1.0"

// ErrIncompatibleSchema is returned when a stored snapshot has a different major schema version.
var ErrIncompatibleSchema = errors.New("incompatible snapshot schema version")

// SessionState is the part of a session a resumed task needs.
type SessionState struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ClientRef   string    `json:"client_ref,omitempty"`
	Turns       int       `json:"turns"`
	LastActive  time.Time `json:"last_active"`
}

// Cursor names the next pending step of the task.
type Cursor struct {
	Stage   proto.Stage `json:"stage,omitempty"`
	State   proto.State `json:"state"`
	Attempt int         `json:"attempt"`
}

// Snapshot is the full resumable state of one task.
type Snapshot struct {
	SchemaVersion string        `json:"schema_version"`
	Task          *proto.Task   `json:"task"`
	Session       *SessionState `json:"session,omitempty"`
	Cursor        Cursor        `json:"cursor"`
}

// NewSnapshot captures task and session. The task is deep-copied.
func NewSnapshot(task *proto.Task, session *SessionState) *Snapshot {
	t := task.Clone()
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Task:          t,
		Session:       session,
		Cursor:        Cursor{Stage: t.Cursor, State: t.State, Attempt: len(t.Feedback)},
	}
}

// canonical returns the bytes that identify the snapshot. The task's pointer to its previous
// checkpoint is excluded so that re-saving unchanged state hashes identically.
func (s *Snapshot) canonical() ([]byte, error) {
	if s.Task == nil {
		return nil, errors.New("snapshot has no task")
	}
	c := *s
	if c.SchemaVersion == "" {
		c.SchemaVersion = SchemaVersion
	}
	t := *s.Task
	t.LastCheckpointID = ""
	c.Task = &t
	return json.Marshal(&c)
}

// decode parses a stored snapshot and checks its major version.
func decode(body []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := CheckCompatible(snap.SchemaVersion); err != nil {
		return nil, err
	}
	if snap.Task == nil {
		return nil, errors.New("snapshot has no task")
	}
	return &snap, nil
}

// CheckCompatible reports whether version shares the current major schema version.
func CheckCompatible(version string) error {
	got, err := major(version)
	if err != nil {
		return err
	}
	want, _ := major(SchemaVersion)
	if got != want {
		return fmt.Errorf("%w: %s (supported %d.x)", ErrIncompatibleSchema, version, want)
	}
	return nil
}

func major(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed version %q", ErrIncompatibleSchema, version)
	}
	return n, nil
}

// FormatID builds the checkpoint id for a task sequence number.
func FormatID(taskID string, seq int64) string {
	return taskID + "@" + strconv.FormatInt(seq, 10)
}

// ParseID splits a checkpoint id into task id and sequence number.
func ParseID(id string) (string, int64, error) {
	i := strings.LastIndex(id, "@")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed checkpoint id %q", id)
	}
	seq, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed checkpoint id %q: %w", id, err)
	}
	return id[:i], seq, nil
}
