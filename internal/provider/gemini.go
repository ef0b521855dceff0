package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/meridianbio/drugintel/internal/model"
)

// GeminiAdapter exposes the Gemini API as a pipeline provider.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// NewGeminiAdapter creates the "gemini" provider.
func NewGeminiAdapter(ctx context.Context, apiKey, modelID string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &GeminiAdapter{client: client, model: modelID}, nil
}

func (a *GeminiAdapter) ID() string { return "gemini" }

func (a *GeminiAdapter) Call(ctx context.Context, prompt string, temperature float64) (*Response, error) {
	temp := float32(temperature)
	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: &temp,
	})
	if err != nil {
		return nil, classifyGemini(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Failure{Kind: model.ErrorKindServer, Message: "gemini returned no candidates"}
	}

	var text string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			text += part.Text
		}
	}

	usage := model.TokenUsage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{Text: text, Usage: usage}, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Failure{
			Kind:       KindForStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
