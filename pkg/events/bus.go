package events

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo/pkg/models"
)

// Bus fans lifecycle notifications out to attached observers. Observers are
// invoked synchronously in attach order on the caller's goroutine, which is
// what guarantees the per-node event ordering: the engine is the only
// publisher for a given execution.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewBus creates an empty observer bus.
func NewBus(observers ...Observer) *Bus {
	return &Bus{observers: observers}
}

// Attach registers an observer. Not safe to call concurrently with
// notifications for the same execution; attach everything before starting.
func (b *Bus) Attach(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *Bus) snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.observers
}

// NotifyExecutionStart broadcasts execution_start.
func (b *Bus) NotifyExecutionStart(ctx context.Context, execID models.ExecutionID, diagramID models.DiagramID) {
	for _, o := range b.snapshot() {
		o.OnExecutionStart(ctx, execID, diagramID)
	}
}

// NotifyExecutionComplete broadcasts execution_complete.
func (b *Bus) NotifyExecutionComplete(ctx context.Context, execID models.ExecutionID) {
	for _, o := range b.snapshot() {
		o.OnExecutionComplete(ctx, execID)
	}
}

// NotifyExecutionError broadcasts execution_error.
func (b *Bus) NotifyExecutionError(ctx context.Context, execID models.ExecutionID, err error) {
	for _, o := range b.snapshot() {
		o.OnExecutionError(ctx, execID, err)
	}
}

// NotifyNodeStart broadcasts node_start.
func (b *Bus) NotifyNodeStart(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID) {
	for _, o := range b.snapshot() {
		o.OnNodeStart(ctx, execID, nodeID)
	}
}

// NotifyNodeComplete broadcasts node_complete with the representative output.
func (b *Bus) NotifyNodeComplete(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, output *models.Envelope) {
	for _, o := range b.snapshot() {
		o.OnNodeComplete(ctx, execID, nodeID, output)
	}
}

// NotifyNodeError broadcasts node_error.
func (b *Bus) NotifyNodeError(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, err error) {
	for _, o := range b.snapshot() {
		o.OnNodeError(ctx, execID, nodeID, err)
	}
}

// NotifyNodeSkipped broadcasts node_skipped.
func (b *Bus) NotifyNodeSkipped(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, reason string) {
	for _, o := range b.snapshot() {
		o.OnNodeSkipped(ctx, execID, nodeID, reason)
	}
}
