// Package events implements the execution observer bus: lifecycle fan-out to
// the state registry, streaming subscribers, and interactive prompt futures.
package events

import (
	"context"
	"time"

	"github.com/dipeo/dipeo/pkg/models"
)

// EventType enumerates the wire event types delivered to subscribers.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventExecutionComplete EventType = "execution_complete"
	EventExecutionError    EventType = "execution_error"
	EventNodeStart         EventType = "node_start"
	EventNodeProgress      EventType = "node_progress"
	EventNodeComplete      EventType = "node_complete"
	EventNodeError         EventType = "node_error"
	EventNodeSkipped       EventType = "node_skipped"
	EventInteractivePrompt EventType = "interactive_prompt"
	EventPromptTimeout     EventType = "interactive_prompt_timeout"
)

// Terminal reports whether the event ends its execution's stream.
func (t EventType) Terminal() bool {
	return t == EventExecutionComplete || t == EventExecutionError
}

// Event is the wire shape delivered to subscribers: one message per event.
type Event struct {
	Type        EventType          `json:"type"`
	ExecutionID models.ExecutionID `json:"execution_id"`
	NodeID      models.NodeID      `json:"node_id,omitempty"`
	Timestamp   string             `json:"timestamp"` // RFC3339Nano
	Data        map[string]any     `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, execID models.ExecutionID, nodeID models.NodeID, data map[string]any) Event {
	return Event{
		Type:        t,
		ExecutionID: execID,
		NodeID:      nodeID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Data:        data,
	}
}

// Observer receives execution lifecycle callbacks. Callbacks for the same
// node are invoked in lifecycle order (start < progress < terminal); across
// nodes only per-observer FIFO holds. Implementations must not block for
// long: they run on the engine's driver goroutine.
type Observer interface {
	OnExecutionStart(ctx context.Context, execID models.ExecutionID, diagramID models.DiagramID)
	OnExecutionComplete(ctx context.Context, execID models.ExecutionID)
	OnExecutionError(ctx context.Context, execID models.ExecutionID, err error)
	OnNodeStart(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID)
	OnNodeComplete(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, output *models.Envelope)
	OnNodeError(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, err error)
	OnNodeSkipped(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, reason string)
}

// Emitter publishes raw wire events outside the Observer lifecycle, e.g.
// node_progress chunks and interactive prompt events.
type Emitter interface {
	Emit(ev Event)
}
