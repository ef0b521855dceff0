package provider

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/meridianbio/drugintel/internal/model"
	"github.com/meridianbio/drugintel/pkg/anthropic"
)

const anthropicSystemPrompt = "You are a pharmaceutical intelligence analyst. " +
	"Answer with verifiable facts, cite figures precisely, and present tabular " +
	"data as markdown tables with a 'field' and 'value' column where possible."

// AnthropicAdapter exposes Claude as a pipeline provider.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAdapter creates the "anthropic" provider.
func NewAnthropicAdapter(client anthropic.Client, modelID string, maxTokens int64) *AnthropicAdapter {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAdapter{client: client, model: modelID, maxTokens: maxTokens}
}

func (a *AnthropicAdapter) ID() string { return "anthropic" }

func (a *AnthropicAdapter) Call(ctx context.Context, prompt string, temperature float64) (*Response, error) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropicSystemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, classifyAnthropic(err)
	}

	return &Response{
		Text: resp.Text,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func classifyAnthropic(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &Failure{
			Kind:       KindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}
