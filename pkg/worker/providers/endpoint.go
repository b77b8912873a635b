// Package providers implements worker endpoints backed by hosted or local language models.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"codepipe/pkg/config"
	"codepipe/pkg/proto"
	"codepipe/pkg/worker"
)

// DefaultMaxTokens caps completions when the worker config leaves max_tokens unset.
const DefaultMaxTokens = 4096

// Prompt is one single-turn completion request.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Completer sends a prompt to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Name() string
}

// ModelEndpoint adapts a Completer to worker.Endpoint. The request is rendered as JSON and the
// model must answer with a JSON reply object.
type ModelEndpoint struct {
	completer   Completer
	maxTokens   int
	temperature float64
}

// NewModelEndpoint wraps c with the limits from wc.
func NewModelEndpoint(c Completer, wc config.WorkerConfig) *ModelEndpoint {
	maxTokens := wc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &ModelEndpoint{completer: c, maxTokens: maxTokens, temperature: wc.Temperature}
}

// reply is the JSON object the model answers with.
type reply struct {
	Output     json.RawMessage         `json:"output"`
	Confidence float64                 `json:"confidence"`
	UsedNodes  []string                `json:"used_nodes"`
	ToolCall   *proto.ToolCall         `json:"tool_call"`
	Error      *worker.StructuredError `json:"error"`
}

// Call renders req, completes it, and parses the reply. A reply that is not a JSON object is
// reported as a structured error so the orchestrator retries with the reason attached.
func (m *ModelEndpoint) Call(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	user, err := RenderRequest(req)
	if err != nil {
		return nil, err
	}
	text, err := m.completer.Complete(ctx, Prompt{
		System:      stageInstructions(req.Stage),
		User:        user,
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion for %s: %w", m.completer.Name(), req.Stage, err)
	}
	return ParseReply(text), nil
}

// RenderRequest is the user message for req.
func RenderRequest(req *worker.Request) (string, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering %s request: %w", req.Stage, err)
	}
	return string(body), nil
}

// ParseReply extracts the reply object from model text, tolerating surrounding prose and code fences.
func ParseReply(text string) *worker.Response {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return malformed("reply contains no JSON object")
	}
	var r reply
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	if err := dec.Decode(&r); err != nil {
		return malformed("reply is not valid JSON: " + err.Error())
	}
	if r.Error == nil && r.ToolCall == nil && len(r.Output) == 0 {
		return malformed("reply has no output, tool_call, or error")
	}
	return &worker.Response{
		Output:     r.Output,
		Confidence: r.Confidence,
		Error:      r.Error,
		ToolCall:   r.ToolCall,
		UsedNodes:  r.UsedNodes,
	}
}

func malformed(msg string) *worker.Response {
	return &worker.Response{Error: &worker.StructuredError{Code: "malformed_reply", Message: msg}}
}

// stageInstructions names the reply envelope and the output shape a stage must produce.
func stageInstructions(stage proto.Stage) string {
	const envelope = `Answer with one JSON object: {"output": <stage output>, "confidence": <0..1>, ` +
		`"used_nodes": [<memory node ids you relied on>]}. To call a tool instead answer ` +
		`{"tool_call": {"id": "...", "name": "...", "args": {...}}}. Report failures as ` +
		`{"error": {"code": "...", "message": "..."}}.`
	var output string
	switch stage {
	case proto.StagePreprocessing:
		output = `{"summary": string, "keywords": [string], "target_files": [string]}`
	case proto.StagePlanning:
		output = `{"subtasks": [{"id": string, "description": string, "depends_on": [id], "target_files": [string]}]}`
	case proto.StageCoding:
		output = `{"summary": string, "changes": [{"file": string, "content": string, "subtask_id": string}]}`
	case proto.StageReviewing:
		output = `{"approved": bool, "issues": [string]}`
	case proto.StageVoting:
		output = `{"ballots": [{"content_hash": string, "confidence": number}]}`
	}
	return fmt.Sprintf("You are the %s worker of a code generation pipeline. %s The %s output is %s.",
		stage, envelope, stage, output)
}

// New builds the completer named by wc.Provider.
func New(ctx context.Context, wc config.WorkerConfig) (Completer, error) {
	switch wc.Provider {
	case config.ProviderAnthropic:
		return NewAnthropic(wc.APIKey, wc.Model), nil
	case config.ProviderOpenAI:
		return NewOpenAI(wc.APIKey, wc.Model), nil
	case config.ProviderOllama:
		return NewOllama(wc.BaseURL, wc.Model)
	case config.ProviderGemini:
		return NewGemini(ctx, wc.APIKey, wc.Model)
	}
	return nil, fmt.Errorf("unknown worker provider %q", wc.Provider)
}

// Endpoints builds a model endpoint for every stage in cfg.Workers.
func Endpoints(ctx context.Context, cfg *config.Config) (map[proto.Stage]worker.Endpoint, error) {
	out := make(map[proto.Stage]worker.Endpoint, len(proto.Stages))
	for _, stage := range proto.Stages {
		wc, ok := cfg.Worker(stage)
		if !ok {
			continue
		}
		c, err := New(ctx, wc)
		if err != nil {
			return nil, fmt.Errorf("worker for %s: %w", stage, err)
		}
		out[stage] = NewModelEndpoint(c, wc)
	}
	return out, nil
}
