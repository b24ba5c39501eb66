package models

import (
	"time"
)

// NodeStatus is the lifecycle state of a node within one execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusPaused    NodeStatus = "paused"
)

// Terminal reports whether the status is absorbing.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusAborted
}

// TokenUsage aggregates LLM token counts. Total is kept equal to
// Input + Output by Add.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached,omitempty"`
	Total  int `json:"total"`
}

// Add accumulates another usage component-wise and recomputes Total.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
	u.Total = u.Input + u.Output
}

// NodeState is the per-execution state of a single node. Created lazily on
// first start.
type NodeState struct {
	Status    NodeStatus  `json:"status"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Error     string      `json:"error,omitempty"`
	LLMUsage  *TokenUsage `json:"llm_usage,omitempty"`
	ExecCount int         `json:"exec_count"`
}

// Clone returns a deep copy.
func (n *NodeState) Clone() *NodeState {
	c := *n
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.EndedAt != nil {
		t := *n.EndedAt
		c.EndedAt = &t
	}
	if n.LLMUsage != nil {
		u := *n.LLMUsage
		c.LLMUsage = &u
	}
	return &c
}

// ExecutionState is the full state of one execution. While running it is
// exclusively owned by the engine; the state registry owns the persisted copy
// and hands out snapshots.
type ExecutionState struct {
	ID          ExecutionID           `json:"id"`
	DiagramID   DiagramID             `json:"diagram_id,omitempty"`
	Status      ExecutionStatus       `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	EndedAt     *time.Time            `json:"ended_at,omitempty"`
	NodeStates  map[NodeID]*NodeState `json:"node_states"`
	NodeOutputs map[NodeID]*Envelope  `json:"node_outputs"`
	Variables   map[string]any        `json:"variables,omitempty"`
	TokenUsage  TokenUsage            `json:"token_usage"`
	Error       string                `json:"error,omitempty"`
	IsActive    bool                  `json:"is_active"`
}

// NewExecutionState returns a fresh pending execution state.
func NewExecutionState(id ExecutionID, diagramID DiagramID, variables map[string]any) *ExecutionState {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &ExecutionState{
		ID:          id,
		DiagramID:   diagramID,
		Status:      ExecutionStatusPending,
		StartedAt:   time.Now().UTC(),
		NodeStates:  make(map[NodeID]*NodeState),
		NodeOutputs: make(map[NodeID]*Envelope),
		Variables:   vars,
		IsActive:    true,
	}
}

// NodeState returns the state for a node, creating a pending one on first use.
func (s *ExecutionState) NodeState(id NodeID) *NodeState {
	ns, ok := s.NodeStates[id]
	if !ok {
		ns = &NodeState{Status: NodeStatusPending}
		s.NodeStates[id] = ns
	}
	return ns
}

// Clone returns a deep copy suitable for handing out as a read snapshot.
// Envelopes are shared (immutable by contract).
func (s *ExecutionState) Clone() *ExecutionState {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.NodeStates = make(map[NodeID]*NodeState, len(s.NodeStates))
	for id, ns := range s.NodeStates {
		c.NodeStates[id] = ns.Clone()
	}
	c.NodeOutputs = make(map[NodeID]*Envelope, len(s.NodeOutputs))
	for id, env := range s.NodeOutputs {
		c.NodeOutputs[id] = env
	}
	c.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		c.Variables[k] = v
	}
	return &c
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	DiagramID DiagramID
	Status    ExecutionStatus
	Limit     int
	Offset    int
}
