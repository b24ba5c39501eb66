package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dipeo/dipeo/pkg/models"
)

// StoreWriter is the slice of the state registry the observer needs. The
// registry serialises writes per execution, so callbacks here stay
// short-blocking.
type StoreWriter interface {
	UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error
	UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, errMsg string) error
	UpdateNodeOutput(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, output *models.Envelope, usage *models.TokenUsage) error
}

// StateObserver mirrors lifecycle events into state registry writes. Failed
// writes are retried once; a second failure is remembered and surfaced via
// Err so the engine can escalate the execution to failed at the next step
// boundary.
type StateObserver struct {
	store StoreWriter

	mu      sync.Mutex
	lastErr error
}

// NewStateObserver creates an observer writing through the given store.
func NewStateObserver(store StoreWriter) *StateObserver {
	return &StateObserver{store: store}
}

// Err returns the first persistent write failure, or nil.
func (o *StateObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// write runs op, retrying once on failure. Persistent failures are logged
// and recorded.
func (o *StateObserver) write(what string, execID models.ExecutionID, op func() error) {
	err := op()
	if err == nil {
		return
	}
	slog.Warn("State write failed, retrying once", "op", what, "execution_id", execID, "error", err)
	if err = op(); err == nil {
		return
	}
	slog.Error("State write failed permanently", "op", what, "execution_id", execID, "error", err)
	o.mu.Lock()
	if o.lastErr == nil {
		o.lastErr = err
	}
	o.mu.Unlock()
}

func (o *StateObserver) OnExecutionStart(ctx context.Context, execID models.ExecutionID, _ models.DiagramID) {
	o.write("execution_start", execID, func() error {
		return o.store.UpdateStatus(ctx, execID, models.ExecutionStatusRunning, "")
	})
}

func (o *StateObserver) OnExecutionComplete(ctx context.Context, execID models.ExecutionID) {
	o.write("execution_complete", execID, func() error {
		return o.store.UpdateStatus(ctx, execID, models.ExecutionStatusCompleted, "")
	})
}

func (o *StateObserver) OnExecutionError(ctx context.Context, execID models.ExecutionID, err error) {
	status := models.ExecutionStatusFailed
	if models.Classify(err) == models.KindCancelled {
		status = models.ExecutionStatusAborted
	}
	o.write("execution_error", execID, func() error {
		return o.store.UpdateStatus(ctx, execID, status, err.Error())
	})
}

func (o *StateObserver) OnNodeStart(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID) {
	o.write("node_start", execID, func() error {
		return o.store.UpdateNodeStatus(ctx, execID, nodeID, models.NodeStatusRunning, "")
	})
}

func (o *StateObserver) OnNodeComplete(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, output *models.Envelope) {
	o.write("node_complete", execID, func() error {
		if err := o.store.UpdateNodeStatus(ctx, execID, nodeID, models.NodeStatusCompleted, ""); err != nil {
			return err
		}
		if output == nil {
			return nil
		}
		// Usage is accounted once, when the producing node completes. An
		// endpoint reports its consumed input as output; that envelope keeps
		// the producer's usage meta but must not be counted again.
		usage := output.Meta.LLMUsage
		if output.ProducedBy != nodeID {
			usage = nil
		}
		return o.store.UpdateNodeOutput(ctx, execID, nodeID, output, usage)
	})
}

func (o *StateObserver) OnNodeError(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, err error) {
	o.write("node_error", execID, func() error {
		return o.store.UpdateNodeStatus(ctx, execID, nodeID, models.NodeStatusFailed, err.Error())
	})
}

func (o *StateObserver) OnNodeSkipped(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, reason string) {
	o.write("node_skipped", execID, func() error {
		return o.store.UpdateNodeStatus(ctx, execID, nodeID, models.NodeStatusSkipped, reason)
	})
}
