// Package handler defines the node handler contract and the registry that
// resolves node types to handlers with schema-validated configs.
package handler

import (
	"context"

	"github.com/dipeo/dipeo/pkg/models"
)

// Inputs are the consumed inbound envelopes keyed by input port.
type Inputs map[string]*models.Envelope

// Outputs are the produced envelopes keyed by output port. The token manager
// routes them onto edges; "default" is the fallback port.
type Outputs map[string]*models.Envelope

// Default returns the envelope on the default port, or any single input when
// no default exists.
func (in Inputs) Default() *models.Envelope {
	if env, ok := in[models.PortDefault]; ok {
		return env
	}
	if len(in) == 1 {
		for _, env := range in {
			return env
		}
	}
	return nil
}

// Handler executes one node type. Implementations return port-keyed outputs
// on success and an error (classified by kind) on failure; retry and skip
// decisions belong to the engine, not to handlers.
type Handler interface {
	Execute(ctx context.Context, hc *Context, inputs Inputs) (Outputs, error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, hc *Context, inputs Inputs) (Outputs, error)

// Execute implements Handler.
func (f Func) Execute(ctx context.Context, hc *Context, inputs Inputs) (Outputs, error) {
	return f(ctx, hc, inputs)
}

// Service names a collaborator a handler requires. Registration declares
// them; the engine refuses to dispatch when one is missing.
type Service string

const (
	ServiceLLM          Service = "llm"
	ServiceHTTP         Service = "http"
	ServiceFiles        Service = "files"
	ServiceConversation Service = "conversation"
	ServicePrompts      Service = "prompts"
	ServiceSubExecutor  Service = "sub_executor"
)
