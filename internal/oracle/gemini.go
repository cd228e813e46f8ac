package oracle

import (
	"context"

	"google.golang.org/genai"

	"github.com/daimoniac/bountyline/internal/errors"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini completes prompts with the Gemini API
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini oracle
func NewGemini(ctx context.Context, apiKey, model, baseURL string) (*Gemini, error) {
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, errors.NewPermanentf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Complete implements Oracle. API errors carry their HTTP code in the
// message, which errors.ClassifyError understands.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
