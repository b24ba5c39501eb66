// Package token implements the token-flow substrate of the execution engine:
// per-edge sequence-numbered tokens, epoch management, branch decisions and
// readiness evaluation against join policies.
package token

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dipeo/dipeo/pkg/models"
)

// TransformFunc rewrites an envelope as it is routed onto an edge. Returned
// envelopes must be fresh values; the input envelope is immutable.
type TransformFunc func(edge *models.Edge, env *models.Envelope) (*models.Envelope, error)

type edgeEpoch struct {
	edge  models.ArrowID
	epoch int
}

type consumerEdge struct {
	node models.NodeID
	edge models.ArrowID
}

type nodeEpoch struct {
	node  models.NodeID
	epoch int
}

// Manager owns all token bookkeeping for a single execution. All operations
// are short critical sections behind one mutex; each node has a single
// consuming writer, but publishers may race freely.
type Manager struct {
	mu sync.Mutex

	diagram *models.Diagram
	epoch   int

	// queues holds published tokens per edge in publish order. Epochs are
	// non-decreasing within a queue because the global epoch only advances.
	queues map[models.ArrowID][]models.Token
	// nextSeq tracks the next sequence number per (edge, epoch), starting at 1.
	nextSeq map[edgeEpoch]int
	// consumed is the per-consumer watermark: how many tokens of the edge's
	// queue the consuming node has read.
	consumed map[consumerEdge]int
	// decisions records condition branch outcomes keyed by (node, epoch).
	decisions map[nodeEpoch]string
	// dead marks nodes whose downstream edges are treated as absent
	// (skipped, failed with on_error=continue, or branch-unreachable).
	dead map[models.NodeID]bool

	transforms map[models.ArrowID]TransformFunc
}

// NewManager creates a token manager bound to a compiled diagram.
func NewManager(d *models.Diagram) *Manager {
	return &Manager{
		diagram:    d,
		queues:     make(map[models.ArrowID][]models.Token),
		nextSeq:    make(map[edgeEpoch]int),
		consumed:   make(map[consumerEdge]int),
		decisions:  make(map[nodeEpoch]string),
		dead:       make(map[models.NodeID]bool),
		transforms: make(map[models.ArrowID]TransformFunc),
	}
}

// SetTransform installs an edge transform. Called once at execution setup,
// before any tokens flow.
func (m *Manager) SetTransform(edge models.ArrowID, fn TransformFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[edge] = fn
}

// CurrentEpoch returns the current epoch.
func (m *Manager) CurrentEpoch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// BeginEpoch advances the global epoch and returns the new value. Used on
// loop re-entry.
func (m *Manager) BeginEpoch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	return m.epoch
}

// Publish places an envelope on an edge at the given epoch and returns the
// resulting token. Seq is strictly monotonic per (edge, epoch) with no gaps.
// Publish never blocks.
func (m *Manager) Publish(edge models.ArrowID, env *models.Envelope, epoch int) models.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishLocked(edge, env, epoch)
}

func (m *Manager) publishLocked(edge models.ArrowID, env *models.Envelope, epoch int) models.Token {
	key := edgeEpoch{edge, epoch}
	seq := m.nextSeq[key]
	if seq == 0 {
		seq = 1
	}
	m.nextSeq[key] = seq + 1
	tok := models.Token{Epoch: epoch, Seq: seq, Envelope: env}
	m.queues[edge] = append(m.queues[edge], tok)
	return tok
}

// EmitOutputs routes a node's port outputs onto its outgoing edges. For each
// edge, the envelope on the edge's source_output port (falling back to
// "default") is published. Emission on a back edge advances the epoch once
// per call, so cyclic regions re-enter under a fresh epoch. Condition branch
// decisions are recorded for every epoch the node published into.
func (m *Manager) EmitOutputs(nodeID models.NodeID, outputs map[string]*models.Envelope, epoch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.diagram.NodeByID(nodeID)
	if node == nil {
		return models.NewError(models.KindNotFound, "unknown node %q", nodeID)
	}

	decision := branchDecision(node, outputs)
	if decision != "" {
		m.decisions[nodeEpoch{nodeID, epoch}] = decision
	}

	backEpoch := -1
	for _, edge := range m.diagram.Outgoing(nodeID) {
		env, ok := outputs[edge.SourceOutput]
		if !ok {
			env, ok = outputs[models.PortDefault]
		}
		if !ok || env == nil {
			continue
		}

		if fn := m.transforms[edge.ID]; fn != nil {
			transformed, err := fn(edge, env)
			if err != nil {
				return models.WrapError(models.KindHandlerFailure, fmt.Errorf("transform on edge %s: %w", edge.ID, err))
			}
			env = transformed
		}

		pubEpoch := epoch
		if m.diagram.IsBackEdge(edge) {
			if backEpoch < 0 {
				m.epoch++
				backEpoch = m.epoch
				slog.Debug("Epoch advanced for loop re-entry",
					"node_id", nodeID, "edge_id", edge.ID, "epoch", backEpoch)
			}
			pubEpoch = backEpoch
			if decision != "" {
				m.decisions[nodeEpoch{nodeID, pubEpoch}] = decision
			}
		}
		m.publishLocked(edge.ID, env, pubEpoch)
	}
	return nil
}

// branchDecision extracts the decision of a condition node from its outputs:
// the port name dictates the decision; a lone default-port output decides by
// body truthiness ({result: bool} or bare bool).
func branchDecision(node *models.Node, outputs map[string]*models.Envelope) string {
	if node.Type != models.NodeTypeCondition {
		return ""
	}
	if _, ok := outputs[models.PortCondTrue]; ok {
		return models.PortCondTrue
	}
	if _, ok := outputs[models.PortCondFalse]; ok {
		return models.PortCondFalse
	}
	if env, ok := outputs[models.PortDefault]; ok && env != nil {
		if env.Truthy() {
			return models.PortCondTrue
		}
		return models.PortCondFalse
	}
	return ""
}

// ConsumeInbound advances the consumption watermark of every inbound edge of
// the node that has an unconsumed token at or below the given epoch, and
// returns the consumed envelopes keyed by the edge's target_input (falling
// back to "default"). One token per edge per call; calling again with no new
// tokens returns an empty map.
func (m *Manager) ConsumeInbound(nodeID models.NodeID, epoch int) map[string]*models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	inputs := make(map[string]*models.Envelope)
	for _, edge := range m.diagram.Incoming(nodeID) {
		key := consumerEdge{nodeID, edge.ID}
		queue := m.queues[edge.ID]
		idx := m.consumed[key]
		if idx >= len(queue) || queue[idx].Epoch > epoch {
			continue
		}
		m.consumed[key] = idx + 1
		port := edge.TargetInput
		if port == "" {
			port = models.PortDefault
		}
		inputs[port] = queue[idx].Envelope
	}
	return inputs
}

// HasUnconsumed reports whether the node has an unread token on the edge at
// or below the given epoch.
func (m *Manager) HasUnconsumed(nodeID models.NodeID, edge models.ArrowID, epoch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasUnconsumedLocked(nodeID, edge, epoch)
}

func (m *Manager) hasUnconsumedLocked(nodeID models.NodeID, edge models.ArrowID, epoch int) bool {
	queue := m.queues[edge]
	idx := m.consumed[consumerEdge{nodeID, edge}]
	return idx < len(queue) && queue[idx].Epoch <= epoch
}

// BranchDecision returns the condition node's decision at the current epoch.
func (m *Manager) BranchDecision(nodeID models.NodeID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[nodeEpoch{nodeID, m.epoch}]
	return d, ok
}

// BranchDecisionAt returns the condition node's decision at a specific epoch.
func (m *Manager) BranchDecisionAt(nodeID models.NodeID, epoch int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[nodeEpoch{nodeID, epoch}]
	return d, ok
}

// MarkNodeDead marks a node's outgoing edges as absent for readiness
// purposes. Used for skipped nodes, failures with on_error=continue, and
// branch-unreachable regions.
func (m *Manager) MarkNodeDead(nodeID models.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[nodeID] = true
}

// NodeDead reports whether the node has been marked dead.
func (m *Manager) NodeDead(nodeID models.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead[nodeID]
}

// SeqHead returns the last sequence number published on (edge, epoch), or 0.
func (m *Manager) SeqHead(edge models.ArrowID, epoch int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextSeq[edgeEpoch{edge, epoch}]
	if next == 0 {
		return 0
	}
	return next - 1
}

// LastConsumedSeq returns the highest sequence number of (edge, epoch) the
// node has consumed, or 0.
func (m *Manager) LastConsumedSeq(nodeID models.NodeID, edge models.ArrowID, epoch int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[edge]
	idx := m.consumed[consumerEdge{nodeID, edge}]
	last := 0
	for i := 0; i < idx && i < len(queue); i++ {
		if queue[i].Epoch == epoch {
			last = queue[i].Seq
		}
	}
	return last
}
