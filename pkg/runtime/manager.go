// Package runtime is the control surface over executions: it launches
// engines, tracks the active set, routes control actions and prompt
// responses, and hands out event subscriptions.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dipeo/dipeo/pkg/config"
	"github.com/dipeo/dipeo/pkg/conversation"
	"github.com/dipeo/dipeo/pkg/engine"
	"github.com/dipeo/dipeo/pkg/events"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
	"github.com/dipeo/dipeo/pkg/state"
)

// ControlAction enumerates the execution control verbs.
type ControlAction string

const (
	ControlPause      ControlAction = "pause"
	ControlResume     ControlAction = "resume"
	ControlAbort      ControlAction = "abort"
	ControlSkipNode   ControlAction = "skip_node"
	ControlPauseNode  ControlAction = "pause_node"
	ControlResumeNode ControlAction = "resume_node"
)

// Options carry per-execution overrides.
type Options struct {
	Variables map[string]any
	// Timeout overrides the configured execution timeout when positive.
	Timeout time.Duration
	// StartPaused launches the execution paused, so callers can attach event
	// subscribers before the first node dispatches. Resume via Control.
	StartPaused bool
}

// activeExecution is the manager's handle on one running engine.
type activeExecution struct {
	engine *engine.Engine
	conv   *conversation.Store
	done   chan struct{}
	err    error
	result *models.Envelope
}

// Manager owns the active execution set. Executions run on their own
// goroutines; the manager only brokers control and observation.
type Manager struct {
	cfg       *config.Config
	registry  *handler.Registry
	states    *state.Registry
	streaming *events.StreamingObserver
	prompts   *events.Prompts
	llm       ports.LLMClient
	files     ports.FilePort
	http      ports.HTTPPort
	log       *slog.Logger

	mu     sync.Mutex
	active map[models.ExecutionID]*activeExecution
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a runtime manager. llm may be nil when no diagram uses
// person_job nodes.
func NewManager(cfg *config.Config, registry *handler.Registry, states *state.Registry, llm ports.LLMClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	streaming := events.NewStreamingObserver(cfg.Events.ProgressBufferSize)
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		states:    states,
		streaming: streaming,
		prompts:   events.NewPrompts(streaming),
		llm:       llm,
		files:     ports.NewLocalFiles(cfg.Files.BaseDir),
		http:      ports.NewNetHTTP(cfg.LLM.Timeout),
		log:       logger.With("component", "runtime"),
		active:    make(map[models.ExecutionID]*activeExecution),
	}
}

// Streaming exposes the streaming observer, e.g. for progress emission from
// outside an execution.
func (m *Manager) Streaming() *events.StreamingObserver { return m.streaming }

// Execute validates the diagram and starts it asynchronously, returning the
// new execution's ID immediately.
func (m *Manager) Execute(ctx context.Context, d *models.Diagram, opts Options) (models.ExecutionID, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", models.NewError(models.KindCancelled, "runtime is shutting down")
	}
	m.mu.Unlock()

	if err := m.registry.ValidateDiagram(d); err != nil {
		return "", err
	}

	execID := models.NewExecutionID()
	eng, conv, err := m.prepare(ctx, execID, d, opts, 0)
	if err != nil {
		return "", err
	}

	if opts.StartPaused {
		eng.Pause()
	}

	ae := &activeExecution{engine: eng, conv: conv, done: make(chan struct{})}
	m.mu.Lock()
	m.active[execID] = ae
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(execID, ae)
	}()

	m.log.Info("Execution started", "execution_id", execID, "diagram_id", d.ID)
	return execID, nil
}

// ExecuteSync runs a diagram to completion on the caller's goroutine. Used by
// sub_diagram handlers and tests.
func (m *Manager) ExecuteSync(ctx context.Context, d *models.Diagram, opts Options) (models.ExecutionID, *models.Envelope, error) {
	if err := m.registry.ValidateDiagram(d); err != nil {
		return "", nil, err
	}
	execID := models.NewExecutionID()
	eng, conv, err := m.prepare(ctx, execID, d, opts, 0)
	if err != nil {
		return "", nil, err
	}
	ae := &activeExecution{engine: eng, conv: conv, done: make(chan struct{})}
	m.mu.Lock()
	m.active[execID] = ae
	m.mu.Unlock()

	m.run(execID, ae)
	return execID, ae.result, ae.err
}

// prepare builds the state row, observers and engine for one execution.
func (m *Manager) prepare(ctx context.Context, execID models.ExecutionID, d *models.Diagram, opts Options, depth int) (*engine.Engine, *conversation.Store, error) {
	variables := make(map[string]any, len(d.Variables)+len(opts.Variables))
	for k, v := range d.Variables {
		variables[k] = v
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}

	if err := m.states.CreateExecution(ctx, models.NewExecutionState(execID, d.ID, variables)); err != nil {
		return nil, nil, err
	}

	conv := conversation.NewStore(
		conversation.WithMaxMessages(m.cfg.Conversation.MaxMessagesPerPerson),
		conversation.WithPersister(m.states),
	)

	stateObs := events.NewStateObserver(m.states)
	bus := events.NewBus(stateObs, m.streaming)

	engCfg := engine.Config{
		MaxParallelNodes:     m.cfg.Engine.MaxParallelNodes,
		NodeTimeout:          m.cfg.Engine.NodeTimeout,
		ExecutionTimeout:     m.cfg.Engine.ExecutionTimeout,
		CancelGrace:          m.cfg.Engine.CancelGrace,
		DefaultMaxIterations: m.cfg.Engine.DefaultMaxIterations,
	}
	if opts.Timeout > 0 {
		engCfg.ExecutionTimeout = opts.Timeout
	}

	eng := engine.New(engCfg, d, m.registry, bus, engine.Services{
		LLM:          m.llm,
		Files:        m.files,
		HTTP:         m.http,
		Conversation: conv,
		Prompts:      m.prompts,
		Emitter:      m.streaming,
		SubExecutor:  m.subExecutor(depth),
	}, engine.Options{
		ExecutionID:   execID,
		Variables:     variables,
		Depth:         depth,
		StateObserver: stateObs,
		Logger:        m.log,
	})

	if err := installTransforms(eng, d); err != nil {
		return nil, nil, err
	}
	return eng, conv, nil
}

// run drives one engine to completion and persists the final snapshot.
func (m *Manager) run(execID models.ExecutionID, ae *activeExecution) {
	ctx := context.Background()
	result, err := ae.engine.Run(ctx)
	ae.result, ae.err = result, err

	m.finalize(ctx, execID, ae)

	m.mu.Lock()
	delete(m.active, execID)
	m.mu.Unlock()
	close(ae.done)

	if err != nil {
		m.log.Warn("Execution finished with error", "execution_id", execID, "error", err)
	} else {
		m.log.Info("Execution finished", "execution_id", execID)
	}
}

// finalize writes the post-run variable snapshot and the conversation log.
func (m *Manager) finalize(ctx context.Context, execID models.ExecutionID, ae *activeExecution) {
	snapshot, err := m.states.GetState(ctx, execID)
	if err != nil {
		m.log.Error("Failed to load final state", "execution_id", execID, "error", err)
		return
	}
	snapshot.Variables = ae.engine.Variables().Snapshot()
	if err := m.states.SaveState(ctx, snapshot); err != nil {
		m.log.Error("Failed to persist final state", "execution_id", execID, "error", err)
	}

	if m.cfg.Conversation.LogDir != "" {
		if path, err := ae.conv.SaveConversationLog(execID, m.cfg.Conversation.LogDir); err != nil {
			m.log.Warn("Failed to write conversation log", "execution_id", execID, "error", err)
		} else if path != "" {
			m.log.Debug("Conversation log written", "execution_id", execID, "path", path)
		}
	}
}

// subExecutor returns the nested-diagram executor handed to sub_diagram
// handlers. Child executions get their own IDs, state rows and event streams.
func (m *Manager) subExecutor(depth int) handler.SubExecutor {
	return func(ctx context.Context, d *models.Diagram, variables map[string]any) (*models.Envelope, error) {
		if err := m.registry.ValidateDiagram(d); err != nil {
			return nil, err
		}
		execID := models.NewExecutionID()
		eng, conv, err := m.prepare(ctx, execID, d, Options{Variables: variables}, depth+1)
		if err != nil {
			return nil, err
		}
		ae := &activeExecution{engine: eng, conv: conv, done: make(chan struct{})}
		m.mu.Lock()
		m.active[execID] = ae
		m.mu.Unlock()

		m.run(execID, ae)
		return ae.result, ae.err
	}
}

// Control applies a control action to a running execution. nodeID is required
// for the node-scoped actions (skip_node, pause_node, resume_node).
func (m *Manager) Control(execID models.ExecutionID, action ControlAction, nodeID models.NodeID) error {
	m.mu.Lock()
	ae, ok := m.active[execID]
	m.mu.Unlock()
	if !ok {
		return models.NewError(models.KindNotFound, "no active execution %s", execID)
	}

	switch action {
	case ControlPause:
		ae.engine.Pause()
	case ControlResume:
		ae.engine.Resume()
	case ControlAbort:
		ae.engine.Abort()
	case ControlSkipNode:
		if nodeID == "" {
			return models.NewError(models.KindValidation, "skip_node requires a node id")
		}
		if !ae.engine.SkipNode(nodeID) {
			return models.NewError(models.KindValidation, "node %s cannot be skipped", nodeID)
		}
	case ControlPauseNode:
		if nodeID == "" {
			return models.NewError(models.KindValidation, "pause_node requires a node id")
		}
		if !ae.engine.PauseNode(nodeID) {
			return models.NewError(models.KindValidation, "node %s cannot be paused", nodeID)
		}
	case ControlResumeNode:
		if nodeID == "" {
			return models.NewError(models.KindValidation, "resume_node requires a node id")
		}
		if !ae.engine.ResumeNode(nodeID) {
			return models.NewError(models.KindValidation, "node %s is not paused", nodeID)
		}
	default:
		return models.NewError(models.KindValidation, "unknown control action %q", action)
	}
	return nil
}

// Respond fulfils a pending interactive prompt.
func (m *Manager) Respond(execID models.ExecutionID, nodeID models.NodeID, response string) error {
	if !m.prompts.Resolve(execID, nodeID, response) {
		return models.NewError(models.KindNotFound, "no pending prompt for node %s of execution %s", nodeID, execID)
	}
	return nil
}

// Subscribe attaches to an execution's event stream.
func (m *Manager) Subscribe(execID models.ExecutionID) (<-chan events.Event, func()) {
	return m.streaming.Subscribe(execID)
}

// Wait blocks until the execution finishes or ctx expires and returns the
// final persisted state.
func (m *Manager) Wait(ctx context.Context, execID models.ExecutionID) (*models.ExecutionState, error) {
	m.mu.Lock()
	ae, ok := m.active[execID]
	m.mu.Unlock()
	if ok {
		select {
		case <-ae.done:
		case <-ctx.Done():
			return nil, models.WrapError(models.Classify(ctx.Err()), ctx.Err())
		}
	}
	return m.states.GetState(ctx, execID)
}

// State returns a snapshot of an execution's state, running or finished.
func (m *Manager) State(ctx context.Context, execID models.ExecutionID) (*models.ExecutionState, error) {
	return m.states.GetState(ctx, execID)
}

// List queries persisted executions.
func (m *Manager) List(ctx context.Context, f models.ExecutionFilter) ([]*models.ExecutionState, error) {
	return m.states.ListExecutions(ctx, f)
}

// Shutdown stops accepting work and waits for active executions. Executions
// still running when ctx expires are aborted.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.mu.Lock()
		for id, ae := range m.active {
			m.log.Warn("Aborting execution on shutdown", "execution_id", id)
			ae.engine.Abort()
		}
		m.mu.Unlock()
		m.wg.Wait()
	}
	m.log.Info("Runtime shut down")
}
