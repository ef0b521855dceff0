package provider

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/meridianbio/drugintel/internal/model"
)

const openaiSystemPrompt = "You are a pharmaceutical intelligence analyst. " +
	"Answer with verifiable facts and present tabular data as markdown tables " +
	"with a 'field' and 'value' column where possible."

// OpenAIAdapter exposes the OpenAI Chat Completions API as a pipeline provider.
type OpenAIAdapter struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIAdapter creates the "openai" provider.
func NewOpenAIAdapter(apiKey, modelID string, maxTokens int) *OpenAIAdapter {
	if modelID == "" {
		modelID = openai.GPT4oMini
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(apiKey),
		model:     modelID,
		maxTokens: maxTokens,
	}
}

func (a *OpenAIAdapter) ID() string { return "openai" }

func (a *OpenAIAdapter) Call(ctx context.Context, prompt string, temperature float64) (*Response, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: openaiSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   a.maxTokens,
		Temperature: float32(temperature),
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Failure{Kind: model.ErrorKindServer, Message: "openai returned no choices"}
	}

	return &Response{
		Text: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Failure{
			Kind:       KindForStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}
	return err
}
