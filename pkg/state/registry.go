package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dipeo/dipeo/pkg/models"
)

// DefaultMaxInlineBytes is the threshold above which envelope bodies are
// spilled out of the execution row into their own payload rows.
const DefaultMaxInlineBytes = 64 * 1024

// defaultFinishedCacheSize bounds the read cache of finished executions.
const defaultFinishedCacheSize = 128

// payloadRefKey marks a body that was replaced by a reference to a spilled
// payload row.
const payloadRefKey = "$payload_ref"

// Registry is the execution state registry: the authoritative in-memory copy
// of every active execution, a bounded read cache of finished ones, and a
// write-through to SQLite. All mutations run on a single writer goroutine, so
// persisted snapshots are never interleaved.
type Registry struct {
	store     *SQLStore
	log       *slog.Logger
	maxInline int

	mu       sync.RWMutex
	active   map[models.ExecutionID]*models.ExecutionState
	finished *lru.Cache[models.ExecutionID, *models.ExecutionState]

	jobs      chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxInlineBytes overrides the payload spill threshold.
func WithMaxInlineBytes(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxInline = n
		}
	}
}

// NewRegistry creates a registry over the given store and starts its writer.
func NewRegistry(store *SQLStore, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	finished, _ := lru.New[models.ExecutionID, *models.ExecutionState](defaultFinishedCacheSize)
	r := &Registry{
		store:     store,
		log:       logger.With("component", "state_registry"),
		maxInline: DefaultMaxInlineBytes,
		active:    make(map[models.ExecutionID]*models.ExecutionState),
		finished:  finished,
		jobs:      make(chan func(), 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Registry) run() {
	defer r.wg.Done()
	for job := range r.jobs {
		job()
	}
}

// Close stops the writer after draining queued writes.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		close(r.jobs)
	})
	r.wg.Wait()
}

// do runs job on the writer goroutine and waits for its result.
func (r *Registry) do(job func() error) error {
	errCh := make(chan error, 1)
	select {
	case r.jobs <- func() { errCh <- job() }:
	case <-r.done:
		return models.NewError(models.KindCancelled, "state registry closed")
	}
	return <-errCh
}

// CreateExecution registers a fresh execution as active and persists it.
func (r *Registry) CreateExecution(ctx context.Context, st *models.ExecutionState) error {
	return r.do(func() error {
		r.mu.Lock()
		r.active[st.ID] = st.Clone()
		r.mu.Unlock()
		return r.persist(ctx, st)
	})
}

// GetState returns a snapshot of an execution: the live copy for active
// executions, the cache or the database for finished ones.
func (r *Registry) GetState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	r.mu.RLock()
	if st, ok := r.active[id]; ok {
		snap := st.Clone()
		r.mu.RUnlock()
		return snap, nil
	}
	r.mu.RUnlock()

	if st, ok := r.finished.Get(id); ok {
		return st.Clone(), nil
	}

	st, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.rehydrate(ctx, st); err != nil {
		return nil, err
	}
	r.finished.Add(id, st.Clone())
	return st, nil
}

// SaveState overwrites the full state of an execution, typically the engine's
// final snapshot after a run.
func (r *Registry) SaveState(ctx context.Context, st *models.ExecutionState) error {
	return r.do(func() error {
		r.storeCopy(st.Clone())
		return r.persist(ctx, st)
	})
}

// UpdateStatus transitions the execution status. Terminal statuses stamp the
// end time, deactivate the execution and move it to the finished cache.
func (r *Registry) UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error {
	return r.mutate(ctx, id, func(st *models.ExecutionState) {
		st.Status = status
		if errMsg != "" {
			st.Error = errMsg
		}
		if status.Terminal() {
			now := time.Now().UTC()
			st.EndedAt = &now
			st.IsActive = false
		}
	})
}

// UpdateNodeStatus transitions one node's status. Entering running stamps the
// start time and counts an execution; terminal statuses stamp the end time.
func (r *Registry) UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, errMsg string) error {
	return r.mutate(ctx, id, func(st *models.ExecutionState) {
		ns := st.NodeState(nodeID)
		ns.Status = status
		ns.Error = errMsg
		now := time.Now().UTC()
		switch {
		case status == models.NodeStatusRunning:
			ns.StartedAt = &now
			ns.EndedAt = nil
			ns.ExecCount++
		case status.Terminal():
			ns.EndedAt = &now
		}
	})
}

// UpdateNodeOutput records a node's representative output and accumulates its
// token usage into the execution total.
func (r *Registry) UpdateNodeOutput(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, output *models.Envelope, usage *models.TokenUsage) error {
	return r.mutate(ctx, id, func(st *models.ExecutionState) {
		st.NodeOutputs[nodeID] = output
		if usage != nil {
			st.TokenUsage.Add(*usage)
			ns := st.NodeState(nodeID)
			if ns.LLMUsage == nil {
				ns.LLMUsage = &models.TokenUsage{}
			}
			ns.LLMUsage.Add(*usage)
		}
	})
}

// AddTokenUsage accumulates usage into the execution total without touching
// node outputs.
func (r *Registry) AddTokenUsage(ctx context.Context, id models.ExecutionID, usage models.TokenUsage) error {
	return r.mutate(ctx, id, func(st *models.ExecutionState) {
		st.TokenUsage.Add(usage)
	})
}

// ListExecutions queries persisted executions.
func (r *Registry) ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]*models.ExecutionState, error) {
	return r.store.ListExecutions(ctx, f)
}

// Messages returns the persisted conversation of one execution.
func (r *Registry) Messages(ctx context.Context, execID models.ExecutionID) ([]models.Message, error) {
	return r.store.ListMessages(ctx, execID)
}

// SaveMessage persists one conversation message through the writer. It
// implements conversation.Persister.
func (r *Registry) SaveMessage(msg models.Message) error {
	return r.do(func() error {
		return r.store.SaveMessage(context.Background(), msg)
	})
}

// CleanupBefore deletes inactive executions that ended before the cutoff.
func (r *Registry) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.do(func() error {
		var err error
		n, err = r.store.DeleteBefore(ctx, cutoff)
		return err
	})
	return n, err
}

// mutate applies fn to a copy of the authoritative state on the writer
// goroutine, swaps the copy in and persists it. Executions not in memory are
// loaded from the database first.
func (r *Registry) mutate(ctx context.Context, id models.ExecutionID, fn func(*models.ExecutionState)) error {
	return r.do(func() error {
		st, err := r.liveCopy(ctx, id)
		if err != nil {
			return err
		}
		fn(st)
		r.storeCopy(st)
		return r.persist(ctx, st)
	})
}

// liveCopy returns a mutable copy for the writer to work on. The pointer held
// in the active map is never written after it is published; mutations build a
// fresh copy here and storeCopy swaps it in, so concurrent GetState readers
// always clone a quiescent struct. Runs on the writer goroutine only.
func (r *Registry) liveCopy(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	r.mu.RLock()
	st, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		return st.Clone(), nil
	}
	if st, ok := r.finished.Get(id); ok {
		return st.Clone(), nil
	}
	st, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.rehydrate(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// storeCopy files the copy under active or finished depending on status.
// Runs on the writer goroutine only.
func (r *Registry) storeCopy(st *models.ExecutionState) {
	if st.Status.Terminal() {
		r.mu.Lock()
		delete(r.active, st.ID)
		r.mu.Unlock()
		r.finished.Add(st.ID, st)
		return
	}
	r.mu.Lock()
	r.active[st.ID] = st
	r.mu.Unlock()
}

// persist writes the state row, spilling oversized envelope bodies into
// payload rows first. The in-memory copy keeps full bodies; only the
// persisted form carries references.
func (r *Registry) persist(ctx context.Context, st *models.ExecutionState) error {
	spilled, err := r.spillOutputs(ctx, st)
	if err != nil {
		return err
	}
	return r.store.UpsertExecution(ctx, spilled)
}

func (r *Registry) spillOutputs(ctx context.Context, st *models.ExecutionState) (*models.ExecutionState, error) {
	var out *models.ExecutionState
	for nodeID, env := range st.NodeOutputs {
		if env == nil || isPayloadRef(env.Body) {
			continue
		}
		body, err := json.Marshal(env.Body)
		if err != nil {
			return nil, err
		}
		if len(body) <= r.maxInline {
			continue
		}
		refID := "payload_" + env.ID
		if err := r.store.SavePayload(ctx, st.ID, nodeID, refID, string(body)); err != nil {
			return nil, err
		}
		if out == nil {
			out = st.Clone()
		}
		clone := *env
		clone.Body = map[string]any{payloadRefKey: refID}
		out.NodeOutputs[nodeID] = &clone
		r.log.Debug("Spilled oversized node output",
			"execution_id", st.ID, "node_id", nodeID, "bytes", len(body))
	}
	if out == nil {
		return st, nil
	}
	return out, nil
}

// rehydrate resolves payload references in a state loaded from the database.
func (r *Registry) rehydrate(ctx context.Context, st *models.ExecutionState) error {
	for nodeID, env := range st.NodeOutputs {
		if env == nil {
			continue
		}
		ref, ok := payloadRef(env.Body)
		if !ok {
			continue
		}
		content, err := r.store.LoadPayload(ctx, ref)
		if err != nil {
			return err
		}
		var body any
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return err
		}
		clone := *env
		clone.Body = body
		st.NodeOutputs[nodeID] = &clone
	}
	return nil
}

func payloadRef(body any) (string, bool) {
	m, ok := body.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	ref, ok := m[payloadRefKey].(string)
	return ref, ok
}

func isPayloadRef(body any) bool {
	_, ok := payloadRef(body)
	return ok
}
