// Package proto defines the task, stage, and state types shared by every pipeline component.
package proto

import (
	"fmt"
	"time"
)

// State is a pipeline state machine state.
type State string

const (
	StateCreated       State = "CREATED"
	StatePreprocessing State = "PREPROCESSING"
	StatePlanning      State = "PLANNING"
	StateCoding        State = "CODING"
	StateReviewing     State = "REVIEWING"
	StateVoting        State = "VOTING"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateWaitingOnTool State = "WAITING_ON_TOOL"
	StateCancelled     State = "CANCELLED"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stage is one worker-backed phase of the pipeline. The set is closed.
type Stage string

const (
	StagePreprocessing Stage = "preprocessing"
	StagePlanning      Stage = "planning"
	StageCoding        Stage = "coding"
	StageReviewing     Stage = "reviewing"
	StageVoting        Stage = "voting"
)

// Stages lists every stage in pipeline order.
//
//nolint:gochecknoglobals // closed enumeration
var Stages = []Stage{StagePreprocessing, StagePlanning, StageCoding, StageReviewing, StageVoting}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	switch s {
	case StagePreprocessing, StagePlanning, StageCoding, StageReviewing, StageVoting:
		return true
	}
	return false
}

// State returns the state the machine is in while s runs.
func (s Stage) State() State {
	switch s {
	case StagePreprocessing:
		return StatePreprocessing
	case StagePlanning:
		return StatePlanning
	case StageCoding:
		return StateCoding
	case StageReviewing:
		return StateReviewing
	case StageVoting:
		return StateVoting
	}
	return ""
}

// ParseStage converts a stage name, rejecting unknown values.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// StageForState maps a running state back to its stage.
func StageForState(s State) (Stage, bool) {
	for _, stage := range Stages {
		if stage.State() == s {
			return stage, true
		}
	}
	return "", false
}

// TaskStatus is the coarse client-visible status of a task.
type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusRunning       TaskStatus = "running"
	StatusWaitingOnTool TaskStatus = "waiting_on_tool"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusCancelled     TaskStatus = "cancelled"
)

// StatusForState derives the task status from the machine state.
func StatusForState(s State) TaskStatus {
	switch s {
	case StateCreated:
		return StatusPending
	case StateWaitingOnTool:
		return StatusWaitingOnTool
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateCancelled:
		return StatusCancelled
	}
	return StatusRunning
}

// TransitionTable lists, for each state, the states it may move to.
type TransitionTable map[State][]State

// ValidTransitions is the pipeline transition table. FAILED, WAITING_ON_TOOL and CANCELLED are
// added to every non-terminal state by init.
//
//nolint:gochecknoglobals // static transition table
var ValidTransitions = TransitionTable{
	StateCreated:       {StatePreprocessing},
	StatePreprocessing: {StatePlanning},
	StatePlanning:      {StateCoding},
	StateCoding:        {StateReviewing, StateVoting},
	StateReviewing:     {StateVoting, StateCoding},
	StateVoting:        {StateCompleted},
	StateWaitingOnTool: {StatePreprocessing, StatePlanning, StateCoding, StateReviewing, StateVoting},
}

func init() { //nolint:gochecknoinits // derive the shared escape edges once
	for from, to := range ValidTransitions {
		to = append(to, StateFailed, StateCancelled)
		if from != StateWaitingOnTool {
			to = append(to, StateWaitingOnTool)
		}
		ValidTransitions[from] = to
	}
}

// IsValidTransition reports whether from → to is allowed.
func (t TransitionTable) IsValidTransition(from, to State) bool {
	for _, candidate := range t[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateChangeNotification describes one transition of a task's machine.
type StateChangeNotification struct {
	TaskID    string         `json:"task_id"`
	FromState State          `json:"from_state"`
	ToState   State          `json:"to_state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
