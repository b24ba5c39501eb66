package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dipeo/dipeo/pkg/conversation"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

// Variables is the mutable variable scope of one execution, shared by all
// handlers of that execution.
type Variables struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewVariables creates a variable scope seeded with the given values.
func NewVariables(seed map[string]any) *Variables {
	m := make(map[string]any, len(seed))
	for k, v := range seed {
		m[k] = v
	}
	return &Variables{m: m}
}

// Get returns a variable value.
func (v *Variables) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// Set stores a variable value.
func (v *Variables) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = value
}

// Snapshot returns a copy of the current variables.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// SubExecutor runs a nested diagram and returns its representative output
// envelope. Provided by the runtime to sub_diagram handlers.
type SubExecutor func(ctx context.Context, d *models.Diagram, variables map[string]any) (*models.Envelope, error)

// PromptRequester blocks for interactive user input. A timeout resolves with
// the empty string, not an error.
type PromptRequester func(ctx context.Context, prompt string, promptCtx map[string]any, timeout time.Duration) (string, error)

// ProgressEmitter publishes a node_progress event for the executing node.
type ProgressEmitter func(data map[string]any)

// Context is the handler-visible execution context: a read-only diagram
// snapshot, the mutable variable scope, and the collaborator services the
// handler declared at registration.
type Context struct {
	ExecutionID models.ExecutionID
	Node        *models.Node
	Diagram     *models.Diagram
	Epoch       int
	ExecCount   int
	Depth       int

	Variables    *Variables
	Conversation *conversation.Store

	LLM   ports.LLMClient
	Files ports.FilePort
	HTTP  ports.HTTPPort

	RequestInput PromptRequester
	EmitProgress ProgressEmitter
	ExecuteSub   SubExecutor

	Logger *slog.Logger
}

// ConfigString reads a string config key with a default.
func (c *Context) ConfigString(key, def string) string {
	if v, ok := c.Node.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads an integer config key with a default. YAML decodes numbers
// as int; JSON as float64. Both are accepted.
func (c *Context) ConfigInt(key string, def int) int {
	switch v := c.Node.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ConfigBool reads a boolean config key with a default.
func (c *Context) ConfigBool(key string, def bool) bool {
	if v, ok := c.Node.Config[key].(bool); ok {
		return v
	}
	return def
}
