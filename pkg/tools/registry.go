// Package tools implements the tool-call protocol: workers ask for external actions, the
// orchestrator invokes them here and folds the results back into the stage.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// Tool is one named action.
type Tool interface {
	Name() string
	Description() string
	Exec(ctx context.Context, args map[string]string) (string, error)
}

// Invoker runs tool calls. Invoke returns a done, pending, or error result; a pending call is
// completed later through Poll.
type Invoker interface {
	Invoke(ctx context.Context, call proto.ToolCall) (proto.ToolResult, error)
	Poll(ctx context.Context, callID string) (proto.ToolResult, error)
}

// Meta describes a registered tool.
type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Async       bool   `json:"async"`
}

type entry struct {
	tool  Tool
	async bool
}

type pendingCall struct {
	done   chan struct{}
	result proto.ToolResult
}

// Registry is an Invoker over registered tools. Async tools run in the background and report
// pending until they finish.
type Registry struct {
	tools   map[string]entry
	pending map[string]*pendingCall
	logger  *logx.Logger
	mu      sync.Mutex
}

// RegisterOption configures a registration.
type RegisterOption func(*entry)

// Async makes invocations of the tool return pending immediately.
func Async() RegisterOption {
	return func(e *entry) { e.async = true }
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		tools:   make(map[string]entry),
		pending: make(map[string]*pendingCall),
		logger:  logx.NewLogger("tools"),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces t.
func (r *Registry) Register(t Tool, opts ...RegisterOption) {
	e := entry{tool: t}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = e
}

// List returns the registered tools by name.
func (r *Registry) List() []Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Meta, 0, len(r.tools))
	for name, e := range r.tools {
		out = append(out, Meta{Name: name, Description: e.tool.Description(), Async: e.async})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs call. Unknown tools and tool failures are error results, not Go errors; the
// returned error is reserved for cancellation.
func (r *Registry) Invoke(ctx context.Context, call proto.ToolCall) (proto.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return proto.ToolResult{}, err
	}
	r.mu.Lock()
	e, ok := r.tools[call.Name]
	r.mu.Unlock()
	if !ok {
		return errorResult(call, fmt.Sprintf("unknown tool %q", call.Name)), nil
	}
	if !e.async {
		return r.exec(ctx, e.tool, call), nil
	}

	p := &pendingCall{done: make(chan struct{})}
	r.mu.Lock()
	r.pending[call.ID] = p
	r.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		p.result = r.exec(bg, e.tool, call)
		close(p.done)
	}()
	r.logger.Debug("tool %s (%s) running in background", call.Name, call.ID)
	return proto.ToolResult{CallID: call.ID, Name: call.Name, Status: proto.ToolPending}, nil
}

// Poll reports the state of an async call. A finished call is forgotten once polled.
func (r *Registry) Poll(ctx context.Context, callID string) (proto.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return proto.ToolResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[callID]
	if !ok {
		return proto.ToolResult{}, pipeerrors.NotFound("tool call", callID)
	}
	select {
	case <-p.done:
		delete(r.pending, callID)
		return p.result, nil
	default:
		return proto.ToolResult{CallID: callID, Status: proto.ToolPending}, nil
	}
}

// Wait blocks until the async call finishes or ctx ends, then returns it as Poll would.
func (r *Registry) Wait(ctx context.Context, callID string) (proto.ToolResult, error) {
	r.mu.Lock()
	p, ok := r.pending[callID]
	r.mu.Unlock()
	if !ok {
		return proto.ToolResult{}, pipeerrors.NotFound("tool call", callID)
	}
	select {
	case <-p.done:
		return r.Poll(ctx, callID)
	case <-ctx.Done():
		return proto.ToolResult{}, ctx.Err()
	}
}

func (r *Registry) exec(ctx context.Context, t Tool, call proto.ToolCall) proto.ToolResult {
	out, err := t.Exec(ctx, call.Args)
	if err != nil {
		r.logger.Warn("tool %s (%s) failed: %v", call.Name, call.ID, err)
		return errorResult(call, err.Error())
	}
	return proto.ToolResult{CallID: call.ID, Name: call.Name, Status: proto.ToolDone, Output: out}
}

func errorResult(call proto.ToolCall, msg string) proto.ToolResult {
	return proto.ToolResult{CallID: call.ID, Name: call.Name, Status: proto.ToolError, Error: msg}
}
