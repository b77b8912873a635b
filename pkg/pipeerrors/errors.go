// Package pipeerrors provides the typed error taxonomy shared by the pipeline components.
package pipeerrors

import (
	"errors"
	"fmt"

	"codepipe/pkg/proto"
)

// Kind classifies a pipeline error for retry and routing decisions.
type Kind int8

const (
	// KindValidation is a stage output that failed its schema. Retried.
	KindValidation Kind = iota
	// KindTimeout is a stage that exceeded its deadline. Retried.
	KindTimeout
	// KindNotReady is a memory query issued before any generation was built.
	KindNotReady
	// KindNotFound is a missing task, session or checkpoint.
	KindNotFound
	// KindCycle is a plan whose subtask dependencies contain a cycle. Triggers re-planning.
	KindCycle
	// KindFatal is an exhausted retry bound or an unrecoverable failure.
	KindFatal
	// KindCancelled is a task stopped by an explicit cancel.
	KindCancelled
	// KindWorker is a structured error reported by a worker endpoint. Retried.
	KindWorker
)

// String returns the kind name used in terminal error records.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindTimeout:
		return "TimeoutError"
	case KindNotReady:
		return "NotReady"
	case KindNotFound:
		return "NotFound"
	case KindCycle:
		return "CycleError"
	case KindFatal:
		return "FatalPipelineError"
	case KindCancelled:
		return "Cancelled"
	case KindWorker:
		return "WorkerError"
	default:
		return "invalid"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Err     error       // Wrapped cause
	Stage   proto.Stage // Stage the error occurred in, if any
	Message string      // Human-readable description
	Kind    Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s (%s)", prefix, e.Stage)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the orchestrator counts this error against the retry bound and tries again.
// NotReady is retryable at stage level since a build may complete between attempts.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindValidation, KindTimeout, KindNotReady, KindCycle, KindWorker:
		return true
	default:
		return false
	}
}

// New creates a classified error.
func New(kind Kind, stage proto.Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, stage proto.Stage, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: cause, Message: message}
}

// Is reports whether err is a pipeline error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}

// Retryable reports whether err should be retried under the stage bound.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// Sentinels for errors.Is checks at package boundaries.
var (
	ErrNotReady  = &Error{Kind: KindNotReady, Message: "memory network has no built generation"}
	ErrNotFound  = &Error{Kind: KindNotFound, Message: "not found"}
	ErrCancelled = &Error{Kind: KindCancelled, Message: "task cancelled"}
)

// Is makes errors.Is match any *Error with the same kind as a sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t == ErrNotReady && e.Kind == KindNotReady ||
		t == ErrNotFound && e.Kind == KindNotFound ||
		t == ErrCancelled && e.Kind == KindCancelled
}

// NotFound returns a NotFound error describing what was missing.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}
