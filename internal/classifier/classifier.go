// Package classifier talks to the external LLM that triages tickets.
package classifier

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/spec-kit/triage-service/internal/config"
)

// Client sends one prompt and returns the raw completion text. Implementations
// do not retry; the job queue owns retries.
type Client interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Classify(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// OpenAIClient calls any OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIClient builds a client from settings. httpClient may be nil.
func NewOpenAIClient(cfg config.ClassifierConfig, httpClient *http.Client) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		apiCfg.HTTPClient = httpClient
	}
	return &OpenAIClient{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Classify sends the triage system prompt plus the ticket prompt.
func (c *OpenAIClient) Classify(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	// No choices reads as an empty completion, which callers treat as malformed output.
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Client = (*OpenAIClient)(nil)
