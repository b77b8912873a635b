package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"codepipe/pkg/worker"
)

// DefaultOllamaURL is used when the worker config has no base_url.
const DefaultOllamaURL = "http://localhost:11434"

// Ollama completes prompts against a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates a completer for model served at hostURL.
func NewOllama(hostURL, model string) (*Ollama, error) {
	if hostURL == "" {
		hostURL = DefaultOllamaURL
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", hostURL, err)
	}
	return &Ollama{client: api.NewClient(parsed, http.DefaultClient), model: model}, nil
}

// Name returns the provider name.
func (o *Ollama) Name() string { return "ollama" }

// Complete runs a non-streaming chat.
func (o *Ollama) Complete(ctx context.Context, p Prompt) (string, error) {
	stream := false
	messages := make([]api.Message, 0, 2)
	if p.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: p.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: p.User})

	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": p.Temperature,
			"num_predict": p.MaxTokens,
		},
	}
	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) && transientStatus(statusErr.StatusCode) {
			return "", fmt.Errorf("ollama status %d: %w", statusErr.StatusCode, worker.ErrTransient)
		}
		return "", err
	}
	return response.Message.Content, nil
}
