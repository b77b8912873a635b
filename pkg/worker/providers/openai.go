package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"codepipe/pkg/worker"
)

// OpenAI completes prompts with the Responses API.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates a completer for model.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{client: openai.NewClient(option.WithAPIKey(apiKey)), model: model}
}

// Name returns the provider name.
func (o *OpenAI) Name() string { return "openai" }

// Complete sends the system and user text as one input string.
func (o *OpenAI) Complete(ctx context.Context, p Prompt) (string, error) {
	input := p.User
	if p.System != "" {
		input = p.System + "\n\n" + p.User
	}
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(p.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}
	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && transientStatus(apiErr.StatusCode) {
			return "", fmt.Errorf("openai status %d: %w", apiErr.StatusCode, worker.ErrTransient)
		}
		return "", err
	}
	text := resp.OutputText()
	if text == "" {
		return "", fmt.Errorf("empty response from openai: %w", worker.ErrTransient)
	}
	return text, nil
}
