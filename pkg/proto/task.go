package proto

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Task is one unit of work driven through the pipeline.
//
//nolint:govet // logical grouping preferred over alignment
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	WorkspaceID string     `json:"workspace_id"`
	Intent      string     `json:"intent"`
	State       State      `json:"state"`
	Status      TaskStatus `json:"status"`

	// Cursor is the next stage to execute. Empty once the task is terminal.
	Cursor  Stage         `json:"cursor,omitempty"`
	History []StageResult `json:"history"`
	Plan    *Plan         `json:"plan,omitempty"`
	Reworks int           `json:"reworks"`

	// Pending stage context, carried across retries and tool rounds of the cursor stage.
	Feedback      []string     `json:"feedback,omitempty"`
	ToolResults   []ToolResult `json:"tool_results,omitempty"`
	ToolRounds    int          `json:"tool_rounds,omitempty"`
	PendingTool   *ToolCall    `json:"pending_tool,omitempty"`
	SuspendedFrom State        `json:"suspended_from,omitempty"`

	Terminal         *TerminalError `json:"terminal,omitempty"`
	LastCheckpointID string         `json:"last_checkpoint_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Clone returns a deep copy via JSON; tasks are plain data.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		panic("task not serializable: " + err.Error())
	}
	var out Task
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("task not deserializable: " + err.Error())
	}
	return &out
}

// Committed returns the committed results for stage in history order.
func (t *Task) Committed(stage Stage) []StageResult {
	var out []StageResult
	for i := range t.History {
		if t.History[i].Stage == stage && t.History[i].Error == nil {
			out = append(out, t.History[i])
		}
	}
	return out
}

// LastCommitted returns the newest committed result for stage.
func (t *Task) LastCommitted(stage Stage) (StageResult, bool) {
	results := t.Committed(stage)
	if len(results) == 0 {
		return StageResult{}, false
	}
	return results[len(results)-1], true
}

// StageResult is one history entry: a committed stage output or a terminal failure record.
//
//nolint:govet // logical grouping preferred over alignment
type StageResult struct {
	Stage       Stage           `json:"stage"`
	Attempt     int             `json:"attempt"`
	Output      json.RawMessage `json:"output,omitempty"`
	Confidence  float64         `json:"confidence"`
	ContentHash string          `json:"content_hash,omitempty"`
	UsedNodes   []string        `json:"used_nodes,omitempty"`
	Generation  uint64          `json:"memory_generation,omitempty"`
	Error       *TerminalError  `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// TerminalError records why a task stopped, with enough detail to diagnose without re-running.
type TerminalError struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Stage        Stage  `json:"stage,omitempty"`
	LastState    State  `json:"last_state"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
}

// Plan is the planner output the coding stage executes against.
type Plan struct {
	Subtasks []Subtask `json:"subtasks" validate:"required,min=1,dive"`
}

// Subtask is a unit of planned work. DependsOn references other subtask IDs of the same plan.
type Subtask struct {
	ID          string   `json:"id" validate:"required"`
	Description string   `json:"description" validate:"required"`
	DependsOn   []string `json:"depends_on,omitempty"`
	TargetFiles []string `json:"target_files,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
}

// ToolCall is an external action requested by a stage.
type ToolCall struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// ToolStatus is the outcome class of a tool invocation.
type ToolStatus string

const (
	ToolDone    ToolStatus = "done"
	ToolPending ToolStatus = "pending"
	ToolError   ToolStatus = "error"
)

// ToolResult is the response to a ToolCall.
type ToolResult struct {
	CallID string     `json:"call_id"`
	Name   string     `json:"name"`
	Status ToolStatus `json:"status"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// ContentHash returns the hex blake2b-256 digest of b.
func ContentHash(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}
