// Package ports declares the collaborator interfaces consumed by node
// handlers. Implementations (real LLM providers, remote filesystems) live
// outside the execution core; tests use stubs.
package ports

import (
	"context"

	"github.com/dipeo/dipeo/pkg/models"
)

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    models.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// CompleteRequest is a single LLM completion call.
type CompleteRequest struct {
	Messages []ChatMessage  `json:"messages"`
	Model    string         `json:"model"`
	APIKeyID models.APIKeyID `json:"api_key_id,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// CompleteResult is the provider's reply.
type CompleteResult struct {
	Text        string            `json:"text"`
	TokenUsage  models.TokenUsage `json:"token_usage"`
	ToolOutputs []map[string]any  `json:"tool_outputs,omitempty"`
}

// LLMClient is the LLM provider port. Implementations should return
// Transient-kind errors for rate limits and 5xx responses so the engine can
// retry.
type LLMClient interface {
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)
}
