package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/pkg/perplexity"
)

// PerplexityAdapter exposes Perplexity's search-grounded completions as a
// pipeline provider.
type PerplexityAdapter struct {
	client perplexity.Client
	model  string
}

// NewPerplexityAdapter creates the "perplexity" provider.
func NewPerplexityAdapter(client perplexity.Client, modelID string) *PerplexityAdapter {
	return &PerplexityAdapter{client: client, model: modelID}
}

func (a *PerplexityAdapter) ID() string { return "perplexity" }

func (a *PerplexityAdapter) Call(ctx context.Context, prompt string, temperature float64) (*Response, error) {
	resp, err := a.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: a.model,
		Messages: []perplexity.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, classifyPerplexity(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Failure{Kind: model.ErrorKindServer, Message: "perplexity returned no choices"}
	}

	return &Response{
		Text: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func classifyPerplexity(err error) error {
	var statusErr *perplexity.StatusError
	if errors.As(err, &statusErr) {
		return &Failure{
			Kind:       KindForStatus(statusErr.StatusCode),
			StatusCode: statusErr.StatusCode,
			Message:    statusErr.Body,
		}
	}
	return err
}
