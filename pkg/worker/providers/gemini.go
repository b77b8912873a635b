package providers

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"codepipe/pkg/worker"
)

// Gemini completes prompts with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a completer for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Name returns the provider name.
func (g *Gemini) Name() string { return "gemini" }

// Complete sends p as one user turn with the system text as system instruction.
func (g *Gemini) Complete(ctx context.Context, p Prompt) (string, error) {
	temperature := float32(p.Temperature)
	//nolint:gosec // max tokens validated by config
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(p.MaxTokens),
	}
	if p.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p.System}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: p.User}}}}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}
	if result == nil {
		return "", fmt.Errorf("empty response from gemini: %w", worker.ErrTransient)
	}
	return result.Text(), nil
}
