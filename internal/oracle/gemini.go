package oracle

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// #region gemini
// GeminiConfig selects the model and sampling for Gemini calls.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int32
	Temperature float32
}

// Gemini completes prompts with Google's Gemini API.
type Gemini struct {
	client *genai.Client
	config GeminiConfig
}

// NewGemini creates a Gemini completer. An API key is required; callers
// without one should use Offline instead.
func NewGemini(ctx context.Context, config GeminiConfig) (*Gemini, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = "gemini-2.5-flash"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 300
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, config: config}, nil
}

// Complete implements Completer.
func (g *Gemini) Complete(ctx context.Context, prompt string) (Response, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.config.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.config.Temperature),
		MaxOutputTokens: g.config.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("gemini generate: %w", err)
	}
	return Response{Text: strings.TrimSpace(resp.Text())}, nil
}

// #endregion gemini
