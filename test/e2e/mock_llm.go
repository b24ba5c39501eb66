package e2e

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

// LLMScriptEntry defines a single scripted LLM response.
type LLMScriptEntry struct {
	Text  string             // Reply content
	Usage *models.TokenUsage // Usage reported with the reply; nil selects a default
	Err   error              // Return this error instead of a reply

	// WaitCh blocks Complete() until closed, then the entry resolves normally.
	WaitCh <-chan struct{}
	// OnBlock is notified when Complete() enters its WaitCh blocking path.
	OnBlock chan<- struct{}
}

// ScriptedLLMClient implements ports.LLMClient with a dual-dispatch mock:
// sequential fallback for single-person diagrams, plus model-keyed routing for
// diagrams where several persons run and call order is non-deterministic.
type ScriptedLLMClient struct {
	mu         sync.Mutex
	sequential []LLMScriptEntry
	seqIndex   int
	routes     map[string][]LLMScriptEntry // model → per-model script
	routeIndex map[string]int
	captured   []ports.CompleteRequest
}

// NewScriptedLLMClient creates an empty scripted client.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{
		routes:     make(map[string][]LLMScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in call order by requests whose model
// has no routed script.
func (c *ScriptedLLMClient) AddSequential(entry LLMScriptEntry) {
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for requests using the given model name.
func (c *ScriptedLLMClient) AddRouted(model string, entry LLMScriptEntry) {
	c.routes[model] = append(c.routes[model], entry)
}

// Complete implements ports.LLMClient.
func (c *ScriptedLLMClient) Complete(ctx context.Context, req ports.CompleteRequest) (*ports.CompleteResult, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req.Model)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return nil, models.WrapError(models.KindCancelled, ctx.Err())
		}
	}

	if entry.Err != nil {
		return nil, entry.Err
	}

	usage := models.TokenUsage{Input: 10, Output: 5, Total: 15}
	if entry.Usage != nil {
		usage = *entry.Usage
	}
	return &ports.CompleteResult{Text: entry.Text, TokenUsage: usage}, nil
}

// nextEntry picks the routed script for the model when one exists, otherwise
// the sequential fallback. Caller holds c.mu.
func (c *ScriptedLLMClient) nextEntry(model string) (LLMScriptEntry, error) {
	if script, ok := c.routes[model]; ok {
		idx := c.routeIndex[model]
		if idx >= len(script) {
			return LLMScriptEntry{}, models.NewError(models.KindHandlerFailure,
				"llm script for model %q exhausted after %d calls", model, idx)
		}
		c.routeIndex[model] = idx + 1
		return script[idx], nil
	}
	if c.seqIndex >= len(c.sequential) {
		return LLMScriptEntry{}, models.NewError(models.KindHandlerFailure,
			"sequential llm script exhausted after %d calls", c.seqIndex)
	}
	entry := c.sequential[c.seqIndex]
	c.seqIndex++
	return entry, nil
}

// Requests returns a copy of every captured request, in call order.
func (c *ScriptedLLMClient) Requests() []ports.CompleteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.CompleteRequest(nil), c.captured...)
}

// RequestsForModel returns the captured requests issued with the given model.
func (c *ScriptedLLMClient) RequestsForModel(model string) []ports.CompleteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ports.CompleteRequest
	for _, req := range c.captured {
		if req.Model == model {
			out = append(out, req)
		}
	}
	return out
}

// CallCount returns the number of Complete calls observed so far.
func (c *ScriptedLLMClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}
