package engine

import (
	"context"
	"time"

	"github.com/dipeo/dipeo/pkg/events"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

// nodeResult is what a worker reports back to the driver.
type nodeResult struct {
	node     *models.Node
	epoch    int
	inputs   handler.Inputs
	outputs  handler.Outputs
	err      error
	retries  int
	duration time.Duration
}

// startNode consumes the node's inbound tokens and launches its handler on a
// worker goroutine. Runs on the driver goroutine; consumption here is what
// keeps the single-consumer-per-node invariant.
func (e *Engine) startNode(ctx context.Context, n *models.Node, epoch int) {
	inputs := handler.Inputs(e.tokens.ConsumeInbound(n.ID, epoch))

	e.mu.Lock()
	nr := e.nodes[n.ID]
	execCount := nr.execCount
	nr.execCount++
	nr.status = models.NodeStatusRunning
	nodeCtx, cancel := context.WithCancel(e.nodesCtx)
	nr.cancel = cancel
	e.running++
	e.inflight++
	e.mu.Unlock()

	e.bus.NotifyNodeStart(ctx, e.execID, n.ID)

	reg, ok := e.registry.Get(n.Type)
	var missing handler.Service
	if ok {
		missing = e.missingService(reg)
	}

	go func() {
		defer cancel()
		res := nodeResult{node: n, epoch: epoch, inputs: inputs}
		start := time.Now()
		switch {
		case !ok:
			res.err = models.NewError(models.KindValidation, "no handler registered for node type %q", n.Type)
		case missing != "":
			res.err = models.NewError(models.KindDependencyUnmet, "node %s requires unavailable service %q", n.ID, missing)
		default:
			res.outputs, res.retries, res.err = e.runWithRetry(nodeCtx, n, epoch, execCount, reg, inputs)
		}
		res.duration = time.Since(start)
		e.results <- res
	}()
}

func (e *Engine) missingService(reg *handler.Registration) handler.Service {
	for _, svc := range reg.Services {
		switch svc {
		case handler.ServiceLLM:
			if e.services.LLM == nil {
				return svc
			}
		case handler.ServiceHTTP:
			if e.services.HTTP == nil {
				return svc
			}
		case handler.ServiceFiles:
			if e.services.Files == nil {
				return svc
			}
		case handler.ServiceConversation:
			if e.services.Conversation == nil {
				return svc
			}
		case handler.ServicePrompts:
			if e.services.Prompts == nil {
				return svc
			}
		case handler.ServiceSubExecutor:
			if e.services.SubExecutor == nil {
				return svc
			}
		}
	}
	return ""
}

// runWithRetry invokes the handler under the node's retry policy. Only
// transient failures are retried; the delay comes from the policy.
func (e *Engine) runWithRetry(ctx context.Context, n *models.Node, epoch, execCount int, reg *handler.Registration, inputs handler.Inputs) (handler.Outputs, int, error) {
	policy := e.retryPolicy(n)
	attempt := 0
	for {
		attempt++
		outputs, err := e.invoke(ctx, n, epoch, execCount, reg, inputs)
		if err == nil {
			return outputs, attempt - 1, nil
		}
		if !models.IsRetryable(err) || attempt >= policy.MaxAttempts {
			return nil, attempt - 1, err
		}
		delay := policy.Delay(attempt)
		e.log.Warn("Retrying node after transient failure",
			"node_id", n.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt - 1, models.WrapError(models.Classify(ctx.Err()), ctx.Err())
		}
	}
}

func (e *Engine) retryPolicy(n *models.Node) models.RetryPolicy {
	if n.Retry != nil {
		return *n.Retry
	}
	return models.DefaultRetryPolicy()
}

// invoke runs the handler once under the node timeout.
func (e *Engine) invoke(ctx context.Context, n *models.Node, epoch, execCount int, reg *handler.Registration, inputs handler.Inputs) (handler.Outputs, error) {
	timeout := e.cfg.NodeTimeout
	if n.Timeout > 0 {
		timeout = n.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hc := &handler.Context{
		ExecutionID:  e.execID,
		Node:         n,
		Diagram:      e.diagram,
		Epoch:        epoch,
		ExecCount:    execCount,
		Depth:        e.depth,
		Variables:    e.variables,
		Conversation: e.services.Conversation,
		LLM:          e.services.LLM,
		Files:        e.services.Files,
		HTTP:         e.services.HTTP,
		RequestInput: e.promptRequester(n.ID),
		EmitProgress: e.progressEmitter(n.ID),
		ExecuteSub:   e.services.SubExecutor,
		Logger:       e.log.With("node_id", n.ID),
	}

	outputs, err := reg.Handler.Execute(ctx, hc, inputs)
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// promptRequester wraps the prompt resolver so a node waiting on user input
// releases its parallelism slot for the duration of the wait.
func (e *Engine) promptRequester(nodeID models.NodeID) handler.PromptRequester {
	if e.services.Prompts == nil {
		return nil
	}
	return func(ctx context.Context, prompt string, promptCtx map[string]any, timeout time.Duration) (string, error) {
		e.releaseSlot()
		defer e.reclaimSlot()
		return e.services.Prompts.Request(ctx, e.execID, nodeID, prompt, promptCtx, timeout)
	}
}

func (e *Engine) progressEmitter(nodeID models.NodeID) handler.ProgressEmitter {
	if e.services.Emitter == nil {
		return nil
	}
	return func(data map[string]any) {
		e.services.Emitter.Emit(events.NewEvent(events.EventNodeProgress, e.execID, nodeID, data))
	}
}

func (e *Engine) releaseSlot() {
	e.mu.Lock()
	e.running--
	e.mu.Unlock()
	e.signal()
}

func (e *Engine) reclaimSlot() {
	e.mu.Lock()
	e.running++
	e.mu.Unlock()
}

// handleResult settles one finished node on the driver goroutine: status
// transition, token emission and observer notification.
func (e *Engine) handleResult(ctx context.Context, res nodeResult) {
	e.mu.Lock()
	nr := e.nodes[res.node.ID]
	e.running--
	e.inflight--
	nr.cancel = nil
	skipped := nr.skipRequested
	nr.skipRequested = false
	e.mu.Unlock()

	if skipped {
		e.finishSkip(ctx, res.node, res.epoch, "skip requested")
		return
	}

	if res.err != nil {
		e.handleFailure(ctx, res)
		return
	}

	e.mu.Lock()
	nr.status = models.NodeStatusCompleted
	e.mu.Unlock()

	outputs := decorateOutputs(res.outputs, res.duration, res.retries)
	if err := e.tokens.EmitOutputs(res.node.ID, outputs, res.epoch); err != nil {
		e.log.Error("Failed to route node outputs", "node_id", res.node.ID, "error", err)
		e.recordFailure(models.WrapError(models.Classify(err), err))
		return
	}

	representative := representativeOutput(res.node, outputs, res.inputs)
	if res.node.Type == models.NodeTypeEndpoint {
		e.mu.Lock()
		e.result = representative
		e.mu.Unlock()
	}
	e.bus.NotifyNodeComplete(ctx, e.execID, res.node.ID, representative)
}

// handleFailure applies the node's error mode: continue drops the node's
// downstream edges and the execution goes on; abort fails the execution.
func (e *Engine) handleFailure(ctx context.Context, res nodeResult) {
	kind := models.Classify(res.err)
	execErr := models.NewError(kind, "%v", res.err).WithNode(res.node.ID).WithRetries(res.retries)

	e.mu.Lock()
	nr := e.nodes[res.node.ID]
	nr.status = models.NodeStatusFailed
	e.mu.Unlock()

	e.bus.NotifyNodeError(ctx, e.execID, res.node.ID, execErr)

	if res.node.OnError == models.ErrorModeContinue {
		e.tokens.MarkNodeDead(res.node.ID)
		e.log.Warn("Node failed, continuing without its outputs",
			"node_id", res.node.ID, "kind", kind, "error", res.err)
		return
	}

	e.recordFailure(execErr)
}

func (e *Engine) recordFailure(err error) {
	e.mu.Lock()
	if e.failure == nil {
		e.failure = err
	}
	cancel := e.cancelNodes
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.signal()
}

// finishSkip settles a node as skipped. Producers publish a synthetic empty
// envelope so downstream joins are not starved.
func (e *Engine) finishSkip(ctx context.Context, n *models.Node, epoch int, reason string) {
	e.mu.Lock()
	e.nodes[n.ID].status = models.NodeStatusSkipped
	e.mu.Unlock()

	if models.ProducesOutput(n.Type) {
		outputs := map[string]*models.Envelope{models.PortDefault: models.EmptyEnvelope(n.ID)}
		if err := e.tokens.EmitOutputs(n.ID, outputs, epoch); err != nil {
			e.log.Error("Failed to publish skip placeholder", "node_id", n.ID, "error", err)
		}
	}
	e.bus.NotifyNodeSkipped(ctx, e.execID, n.ID, reason)
}

// decorateOutputs stamps execution metadata onto each produced envelope.
func decorateOutputs(outputs handler.Outputs, duration time.Duration, retries int) map[string]*models.Envelope {
	out := make(map[string]*models.Envelope, len(outputs))
	for port, env := range outputs {
		if env == nil {
			continue
		}
		out[port] = env.WithMeta(env.Meta.LLMUsage, duration, retries)
	}
	return out
}

// representativeOutput picks the envelope reported on node_complete: the
// default port, any single output, or for endpoints the consumed input.
func representativeOutput(n *models.Node, outputs map[string]*models.Envelope, inputs handler.Inputs) *models.Envelope {
	if env, ok := outputs[models.PortDefault]; ok {
		return env
	}
	if len(outputs) == 1 {
		for _, env := range outputs {
			return env
		}
	}
	if n.Type == models.NodeTypeEndpoint {
		return inputs.Default()
	}
	return nil
}
