// Package engine implements the token-driven execution engine: a single
// driver goroutine computes readiness over the token substrate and dispatches
// node handlers onto a bounded pool of workers.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo/pkg/conversation"
	"github.com/dipeo/dipeo/pkg/events"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
	"github.com/dipeo/dipeo/pkg/token"
)

// Config holds the engine tuning knobs.
type Config struct {
	// MaxParallelNodes bounds concurrently running handlers per execution.
	MaxParallelNodes int
	// NodeTimeout bounds one handler invocation unless the node overrides it.
	NodeTimeout time.Duration
	// ExecutionTimeout bounds the whole execution. Zero disables it.
	ExecutionTimeout time.Duration
	// CancelGrace is how long an abort waits for running handlers to wind
	// down before the engine stops listening for their results.
	CancelGrace time.Duration
	// DefaultMaxIterations caps per-node executions unless the node
	// overrides it. Guards against unbounded loops.
	DefaultMaxIterations int
}

func (c Config) withDefaults() Config {
	if c.MaxParallelNodes <= 0 {
		c.MaxParallelNodes = 10
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 60 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 100
	}
	return c
}

// Services are the collaborators handed to handlers. Nil entries are allowed;
// dispatch fails nodes whose handler declared a missing service.
type Services struct {
	LLM          ports.LLMClient
	Files        ports.FilePort
	HTTP         ports.HTTPPort
	Conversation *conversation.Store
	Prompts      *events.Prompts
	Emitter      events.Emitter
	SubExecutor  handler.SubExecutor
}

// Options carry per-execution parameters.
type Options struct {
	ExecutionID   models.ExecutionID
	Variables     map[string]any
	Depth         int
	StateObserver *events.StateObserver
	Logger        *slog.Logger
}

// nodeRun is the engine-private per-node bookkeeping.
type nodeRun struct {
	status        models.NodeStatus
	execCount     int
	cancel        context.CancelFunc
	skipRequested bool
	paused        bool
}

// Engine drives one execution. All scheduling decisions happen on the driver
// goroutine inside Run; handlers run on worker goroutines and report back over
// the results channel.
type Engine struct {
	cfg      Config
	diagram  *models.Diagram
	registry *handler.Registry
	bus      *events.Bus
	services Services
	stateObs *events.StateObserver
	log      *slog.Logger

	execID    models.ExecutionID
	variables *handler.Variables
	depth     int

	tokens *token.Manager
	ready  *token.Readiness

	mu      sync.Mutex
	nodes   map[models.NodeID]*nodeRun
	running int // occupied parallelism slots
	inflight int // live handler goroutines; differs from running while a node waits on a prompt
	paused  bool
	aborted bool
	failure error
	result  *models.Envelope

	wake        chan struct{}
	results     chan nodeResult
	nodesCtx    context.Context
	cancelNodes context.CancelFunc
}

// New creates an engine for one execution of a compiled diagram.
func New(cfg Config, d *models.Diagram, registry *handler.Registry, bus *events.Bus, services Services, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	tokens := token.NewManager(d)
	e := &Engine{
		cfg:       cfg,
		diagram:   d,
		registry:  registry,
		bus:       bus,
		services:  services,
		stateObs:  opts.StateObserver,
		log:       logger.With("execution_id", opts.ExecutionID),
		execID:    opts.ExecutionID,
		variables: handler.NewVariables(opts.Variables),
		depth:     opts.Depth,
		tokens:    tokens,
		ready:     token.NewReadiness(d, tokens),
		nodes:     make(map[models.NodeID]*nodeRun),
		wake:      make(chan struct{}, 1),
		results:   make(chan nodeResult, cfg.MaxParallelNodes+16),
	}
	for _, n := range d.Nodes {
		e.nodes[n.ID] = &nodeRun{status: models.NodeStatusPending}
	}
	return e
}

// Tokens exposes the token manager for edge transform installation.
func (e *Engine) Tokens() *token.Manager { return e.tokens }

// Variables exposes the execution's variable scope.
func (e *Engine) Variables() *handler.Variables { return e.variables }

// Result returns the representative output of the execution: the payload the
// last completed endpoint received, or nil.
func (e *Engine) Result() *models.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Run executes the diagram to completion. It blocks until the execution
// reaches a terminal state and returns the representative output.
func (e *Engine) Run(ctx context.Context) (*models.Envelope, error) {
	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
		defer cancel()
	}
	nodesCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.nodesCtx, e.cancelNodes = nodesCtx, cancel
	e.mu.Unlock()
	defer cancel()

	e.bus.NotifyExecutionStart(ctx, e.execID, e.diagram.ID)

	err := e.loop(ctx)
	if err != nil {
		e.bus.NotifyExecutionError(ctx, e.execID, err)
		return e.Result(), err
	}
	e.bus.NotifyExecutionComplete(ctx, e.execID)
	return e.Result(), nil
}

// loop is the driver: dispatch ready nodes, wait for results, handle stalls.
func (e *Engine) loop(ctx context.Context) error {
	for {
		if err := e.checkStateWrites(); err != nil {
			return err
		}
		if e.isAborted() {
			e.drain()
			return models.NewError(models.KindCancelled, "execution aborted").WithRetries(0)
		}
		if err := ctx.Err(); err != nil {
			e.cancelNodes()
			e.drain()
			return models.WrapError(models.Classify(err), err)
		}
		if failure := e.failureErr(); failure != nil {
			e.drain()
			return failure
		}

		e.applyPendingSkips(ctx)
		dispatched := e.dispatchReady(ctx)

		if dispatched == 0 && e.inflightCount() == 0 && !e.isPaused() && !e.hasPausedNodes() {
			if e.propagateUnreachable(ctx) {
				continue
			}
			if e.settled() {
				return nil
			}
			return e.deadlockError()
		}

		select {
		case res := <-e.results:
			e.handleResult(ctx, res)
		case <-e.wake:
		case <-ctx.Done():
		}
	}
}

// dispatchReady starts every ready node up to the parallelism bound and
// returns how many were started.
func (e *Engine) dispatchReady(ctx context.Context) int {
	if e.isPaused() || e.isAborted() {
		return 0
	}

	epoch := e.tokens.CurrentEpoch()
	var candidates []*models.Node
	for _, n := range e.diagram.Nodes {
		if !e.eligible(n, epoch) {
			continue
		}
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := e.diagram.TopoIndex(candidates[i].ID), e.diagram.TopoIndex(candidates[j].ID)
		if ti != tj {
			return ti < tj
		}
		return candidates[i].ID < candidates[j].ID
	})

	started := 0
	for _, n := range candidates {
		if e.runningCount() >= e.cfg.MaxParallelNodes {
			break
		}
		e.startNode(ctx, n, epoch)
		started++
	}
	return started
}

// eligible decides whether a node may be considered for dispatch at the epoch.
func (e *Engine) eligible(n *models.Node, epoch int) bool {
	e.mu.Lock()
	nr := e.nodes[n.ID]
	status, execCount, paused := nr.status, nr.execCount, nr.paused
	e.mu.Unlock()

	if paused {
		return false
	}
	// Completed nodes may re-fire in later epochs; failed and skipped ones
	// are settled, running ones are busy.
	if status != models.NodeStatusPending && status != models.NodeStatusCompleted {
		return false
	}
	if e.tokens.NodeDead(n.ID) {
		return false
	}
	if execCount >= e.maxIterations(n) {
		return false
	}

	if len(e.diagram.Incoming(n.ID)) == 0 {
		// Source nodes are seeded exactly once.
		return execCount == 0
	}
	return e.ready.IsReady(n.ID, epoch, e.diagram.JoinPolicyOf(n), execCount)
}

func (e *Engine) maxIterations(n *models.Node) int {
	if n.MaxIterations > 0 {
		return n.MaxIterations
	}
	return e.cfg.DefaultMaxIterations
}

// applyPendingSkips settles skip requests against nodes that are not running.
func (e *Engine) applyPendingSkips(ctx context.Context) {
	for _, n := range e.diagram.Nodes {
		e.mu.Lock()
		nr := e.nodes[n.ID]
		apply := nr.skipRequested && nr.status != models.NodeStatusRunning && !nr.status.Terminal()
		if apply {
			nr.skipRequested = false
		}
		e.mu.Unlock()
		if apply {
			e.finishSkip(ctx, n, e.tokens.CurrentEpoch(), "skip requested")
		}
	}
}

// propagateUnreachable marks pending nodes that can never become ready as
// skipped, to a fixpoint. Returns true when anything changed, so the driver
// re-evaluates readiness before declaring a deadlock.
func (e *Engine) propagateUnreachable(ctx context.Context) bool {
	epoch := e.tokens.CurrentEpoch()
	changed := false
	for {
		progressed := false
		for _, n := range e.diagram.Nodes {
			e.mu.Lock()
			nr := e.nodes[n.ID]
			pending := nr.status == models.NodeStatusPending && nr.execCount == 0
			e.mu.Unlock()
			if !pending || len(e.diagram.Incoming(n.ID)) == 0 {
				continue
			}
			required, optional := e.ready.ActiveEdges(n.ID, epoch, 0)
			if len(required)+len(optional) > 0 {
				continue
			}
			e.mu.Lock()
			nr.status = models.NodeStatusSkipped
			e.mu.Unlock()
			e.tokens.MarkNodeDead(n.ID)
			e.bus.NotifyNodeSkipped(ctx, e.execID, n.ID, "unreachable")
			e.log.Debug("Node unreachable, skipped", "node_id", n.ID)
			progressed = true
			changed = true
		}
		if !progressed {
			return changed
		}
	}
}

// settled reports whether the stalled execution counts as complete: every
// endpoint has reached a terminal state.
func (e *Engine) settled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.diagram.EndpointNodes() {
		if !e.nodes[n.ID].status.Terminal() {
			return false
		}
	}
	return true
}

func (e *Engine) deadlockError() error {
	e.mu.Lock()
	var waiting []string
	for _, n := range e.diagram.Nodes {
		if e.nodes[n.ID].status == models.NodeStatusPending {
			waiting = append(waiting, string(n.ID))
		}
	}
	e.mu.Unlock()
	sort.Strings(waiting)
	return models.NewError(models.KindDeadlock,
		"no node is ready and endpoints are unreached (waiting: %v)", waiting)
}

// drain waits out running handlers for the cancel grace period, discarding
// their results.
func (e *Engine) drain() {
	e.cancelNodes()
	timer := time.NewTimer(e.cfg.CancelGrace)
	defer timer.Stop()
	for e.inflightCount() > 0 {
		select {
		case res := <-e.results:
			e.mu.Lock()
			e.running--
			e.inflight--
			nr := e.nodes[res.node.ID]
			if nr.status == models.NodeStatusRunning {
				nr.status = models.NodeStatusFailed
			}
			e.mu.Unlock()
		case <-timer.C:
			e.log.Warn("Cancel grace elapsed with handlers still running",
				"inflight", e.inflightCount())
			return
		}
	}
}

func (e *Engine) checkStateWrites() error {
	if e.stateObs == nil {
		return nil
	}
	if err := e.stateObs.Err(); err != nil {
		e.cancelNodes()
		e.drain()
		return models.WrapError(models.KindTransient, err)
	}
	return nil
}

// Pause stops dispatching new nodes. Running handlers continue.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.log.Info("Execution paused")
}

// Resume re-enables dispatch.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.signal()
	e.log.Info("Execution resumed")
}

// Abort cancels all running handlers and ends the execution as aborted.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.aborted = true
	cancel := e.cancelNodes
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.signal()
	e.log.Info("Execution abort requested")
}

// PauseNode blocks dispatch of the node until ResumeNode. A pending node
// shows as paused; a running handler is left to finish, and the pause takes
// effect on later re-entries.
func (e *Engine) PauseNode(id models.NodeID) bool {
	e.mu.Lock()
	nr, ok := e.nodes[id]
	if !ok || nr.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	nr.paused = true
	if nr.status == models.NodeStatusPending {
		nr.status = models.NodeStatusPaused
	}
	e.mu.Unlock()
	e.log.Info("Node paused", "node_id", id)
	return true
}

// ResumeNode lifts a per-node pause and re-evaluates readiness.
func (e *Engine) ResumeNode(id models.NodeID) bool {
	e.mu.Lock()
	nr, ok := e.nodes[id]
	if !ok || !nr.paused {
		e.mu.Unlock()
		return false
	}
	nr.paused = false
	if nr.status == models.NodeStatusPaused {
		nr.status = models.NodeStatusPending
	}
	e.mu.Unlock()
	e.signal()
	e.log.Info("Node resumed", "node_id", id)
	return true
}

func (e *Engine) hasPausedNodes() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, nr := range e.nodes {
		if nr.paused && !nr.status.Terminal() {
			return true
		}
	}
	return false
}

// SkipNode requests a skip of the node: a running handler is cancelled, a
// pending one is settled as skipped at the next driver step.
func (e *Engine) SkipNode(id models.NodeID) bool {
	e.mu.Lock()
	nr, ok := e.nodes[id]
	if !ok || nr.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	nr.skipRequested = true
	cancel := nr.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.signal()
	return true
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) runningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) inflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

func (e *Engine) failureErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}
