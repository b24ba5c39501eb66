package events

import (
	"context"
	"log/slog"
	"time"

	"sync"

	"github.com/dipeo/dipeo/pkg/models"
)

type promptKey struct {
	exec models.ExecutionID
	node models.NodeID
}

// Prompts resolves interactive user input for handlers. A handler blocks in
// Request while an external responder fulfils the one-shot future via
// Resolve. At most one prompt may be pending per (execution, node).
type Prompts struct {
	mu      sync.Mutex
	pending map[promptKey]chan string
	emitter Emitter
}

// NewPrompts creates a prompt resolver that emits interactive_prompt events
// through the given emitter.
func NewPrompts(emitter Emitter) *Prompts {
	return &Prompts{
		pending: make(map[promptKey]chan string),
		emitter: emitter,
	}
}

// Request emits interactive_prompt and blocks until a response arrives, the
// timeout fires, or ctx is cancelled. A timeout is not a failure: it emits
// interactive_prompt_timeout and resolves with the empty string.
func (p *Prompts) Request(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, prompt string, promptCtx map[string]any, timeout time.Duration) (string, error) {
	key := promptKey{execID, nodeID}
	ch := make(chan string, 1)

	p.mu.Lock()
	if _, exists := p.pending[key]; exists {
		p.mu.Unlock()
		return "", models.NewError(models.KindValidation, "prompt already pending for node %s", nodeID)
	}
	p.pending[key] = ch
	p.mu.Unlock()

	data := map[string]any{"prompt": prompt}
	if len(promptCtx) > 0 {
		data["context"] = promptCtx
	}
	if timeout > 0 {
		data["timeout_s"] = timeout.Seconds()
	}
	p.emitter.Emit(NewEvent(EventInteractivePrompt, execID, nodeID, data))

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-ch:
		p.remove(key)
		return resp, nil
	case <-timer:
		p.remove(key)
		slog.Info("Interactive prompt timed out", "execution_id", execID, "node_id", nodeID)
		p.emitter.Emit(NewEvent(EventPromptTimeout, execID, nodeID, nil))
		return "", nil
	case <-ctx.Done():
		p.remove(key)
		return "", models.WrapError(models.KindCancelled, ctx.Err())
	}
}

// Resolve fulfils a pending prompt. Returns false when nothing is pending for
// the key.
func (p *Prompts) Resolve(execID models.ExecutionID, nodeID models.NodeID, response string) bool {
	p.mu.Lock()
	ch, ok := p.pending[promptKey{execID, nodeID}]
	if ok {
		delete(p.pending, promptKey{execID, nodeID})
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- response
	return true
}

// PendingCount returns the number of unresolved prompts, for tests and
// diagnostics.
func (p *Prompts) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Prompts) remove(key promptKey) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}
