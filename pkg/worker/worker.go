// Package worker defines the request/response contract between the orchestrator and the
// language-model worker behind each stage, plus the middleware wrapped around every endpoint.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"codepipe/pkg/memview"
	"codepipe/pkg/proto"
)

// Request is everything a worker sees for one stage attempt.
//
//nolint:govet // logical grouping preferred over alignment
type Request struct {
	TaskID  string      `json:"task_id"`
	Stage   proto.Stage `json:"stage"`
	Attempt int         `json:"attempt"`
	Intent  string      `json:"intent"`

	Memory *memview.View `json:"memory,omitempty"`

	// Feedback holds the failure reasons of earlier attempts of this stage.
	Feedback    []string           `json:"feedback,omitempty"`
	ToolResults []proto.ToolResult `json:"tool_results,omitempty"`

	// Prior holds the committed outputs of earlier stages, newest last.
	Prior      []proto.StageResult `json:"prior,omitempty"`
	Plan       *proto.Plan         `json:"plan,omitempty"`
	Issues     []string            `json:"issues,omitempty"`
	Candidates []Candidate         `json:"candidates,omitempty"`
}

// Candidate is one coding result offered to the voting stage.
type Candidate struct {
	Hash       string          `json:"content_hash"`
	Output     json.RawMessage `json:"output"`
	Confidence float64         `json:"confidence"`
}

// Response is a worker's answer. Exactly one of Output, Error, or ToolCall is meaningful: a
// structured error or a tool call takes precedence over the output.
type Response struct {
	Output     json.RawMessage  `json:"output,omitempty"`
	Confidence float64          `json:"confidence"`
	Error      *StructuredError `json:"error,omitempty"`
	ToolCall   *proto.ToolCall  `json:"tool_call,omitempty"`
	UsedNodes  []string         `json:"used_nodes,omitempty"`
}

// StructuredError is a failure the worker reports in-band.
type StructuredError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StructuredError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Endpoint is one stage worker.
type Endpoint interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, req *Request) (*Response, error)

// Call invokes f.
func (f EndpointFunc) Call(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Registry maps every stage to its endpoint.
type Registry map[proto.Stage]Endpoint

// NewRegistry checks that endpoints covers every stage and nothing else.
func NewRegistry(endpoints map[proto.Stage]Endpoint) (Registry, error) {
	var missing []string
	for _, stage := range proto.Stages {
		if endpoints[stage] == nil {
			missing = append(missing, string(stage))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no worker endpoint for stages: %s", strings.Join(missing, ", "))
	}
	reg := make(Registry, len(endpoints))
	for stage, ep := range endpoints {
		if !stage.Valid() {
			return nil, fmt.Errorf("worker endpoint for unknown stage %q", stage)
		}
		reg[stage] = ep
	}
	return reg, nil
}

// Get returns the endpoint for stage.
func (r Registry) Get(stage proto.Stage) (Endpoint, error) {
	ep, ok := r[stage]
	if !ok {
		return nil, fmt.Errorf("no worker endpoint for stage %q", stage)
	}
	return ep, nil
}

// Wrap applies mws to every endpoint of r.
func (r Registry) Wrap(mws ...Middleware) Registry {
	out := make(Registry, len(r))
	for stage, ep := range r {
		out[stage] = Chain(ep, mws...)
	}
	return out
}
