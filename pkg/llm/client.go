// Package llm adapts LLM providers to the execution core's client port.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dipeo/dipeo/pkg/config"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

// OpenAIClient implements the LLM port over any OpenAI-compatible API.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	log          *slog.Logger
}

// NewOpenAI builds a client from configuration. The API key is read from the
// configured environment variable; a missing key is an error so misconfigured
// deployments fail at startup, not mid-execution.
func NewOpenAI(cfg config.LLMConfig, logger *slog.Logger) (*OpenAIClient, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, models.NewError(models.KindValidation, "environment variable %s is not set", cfg.APIKeyEnv)
	}
	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.Model,
		log:          logger.With("component", "llm"),
	}, nil
}

// Complete performs one chat completion. Rate limits and server errors come
// back as Transient so the engine retries them.
func (c *OpenAIClient) Complete(ctx context.Context, req ports.CompleteRequest) (*ports.CompleteResult, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewError(models.KindHandlerFailure, "llm returned no choices")
	}

	c.log.Debug("Chat completion finished",
		"model", model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return &ports.CompleteResult{
		Text: resp.Choices[0].Message.Content,
		TokenUsage: models.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}, nil
}

// classify maps provider errors onto the execution error taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests,
			apiErr.HTTPStatusCode >= 500:
			return models.WrapError(models.KindTransient, err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return models.WrapError(models.KindPermissionDenied, err)
		case apiErr.HTTPStatusCode == http.StatusNotFound:
			return models.WrapError(models.KindNotFound, err)
		}
		return models.WrapError(models.KindHandlerFailure, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return models.WrapError(models.KindCancelled, err)
	}
	return models.WrapError(models.KindTransient, err)
}
