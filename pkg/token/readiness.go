package token

import (
	"github.com/dipeo/dipeo/pkg/models"
)

// Readiness decides whether a node may run at a given epoch, evaluating its
// join policy over the filtered set of inbound edges.
type Readiness struct {
	diagram *models.Diagram
	tokens  *Manager
}

// NewReadiness creates a readiness evaluator bound to a diagram and its
// token manager.
func NewReadiness(d *models.Diagram, m *Manager) *Readiness {
	return &Readiness{diagram: d, tokens: m}
}

// IsReady evaluates the join policy of the node against its inbound edges at
// the given epoch. execCount is the number of times the node has already
// executed in this execution. Start nodes have no inbound edges and are not
// decided here; the engine seeds them once.
func (r *Readiness) IsReady(nodeID models.NodeID, epoch int, policy models.JoinPolicy, execCount int) bool {
	required, optional := r.ActiveEdges(nodeID, epoch, execCount)
	if len(required) == 0 && len(optional) == 0 {
		return false
	}
	// If filtering left only skippable-condition edges, treat them as active.
	if len(required) == 0 {
		required = optional
		optional = nil
	}

	r.tokens.mu.Lock()
	defer r.tokens.mu.Unlock()

	satisfied := 0
	allSatisfied := true
	for _, e := range required {
		if r.tokens.hasUnconsumedLocked(nodeID, e.ID, epoch) {
			satisfied++
			continue
		}
		// An undecided branch edge re-entering a cycle cannot block: the
		// condition sits downstream of this node and only decides after it
		// runs. Undecided forward branch edges do block, so a join never
		// fires ahead of its condition.
		if r.undecidedBackEdgeLocked(e, epoch) {
			continue
		}
		allSatisfied = false
	}
	for _, e := range optional {
		if r.tokens.hasUnconsumedLocked(nodeID, e.ID, epoch) {
			satisfied++
		}
	}

	switch policy.Kind {
	case models.JoinAny, models.JoinFirst:
		return satisfied >= 1
	case models.JoinKOfN:
		k := policy.K
		if k < 1 {
			k = 1
		}
		return satisfied >= k
	case models.JoinAll:
		return allSatisfied && satisfied > 0
	default:
		// Unknown policies degrade to the safe default.
		return allSatisfied && satisfied > 0
	}
}

// ActiveEdges returns the node's inbound edges that survive filtering,
// partitioned into required edges and optional (skippable-condition) edges.
// Filtering drops, in order: start edges after the node's first execution,
// edges from dead nodes, and branch edges whose condition decided the other
// way.
func (r *Readiness) ActiveEdges(nodeID models.NodeID, epoch int, execCount int) (required, optional []*models.Edge) {
	incoming := r.diagram.Incoming(nodeID)

	// Count distinct live sources for the skippable rule.
	sources := make(map[models.NodeID]bool)
	for _, e := range incoming {
		sources[e.Source] = true
	}

	for _, e := range incoming {
		src := r.diagram.NodeByID(e.Source)
		if src == nil {
			continue
		}

		// Start nodes emit exactly once per execution.
		if src.Type == models.NodeTypeStart && execCount > 0 {
			continue
		}

		// Edges out of dead nodes are absent.
		if r.tokens.NodeDead(e.Source) {
			continue
		}

		if src.Type == models.NodeTypeCondition {
			if !r.branchAlive(nodeID, e, epoch) {
				continue
			}
			// A skippable condition's edge is optional when the node has at
			// least one other distinct source; otherwise it stays required.
			if src.Skippable && len(sources) > 1 {
				optional = append(optional, e)
				continue
			}
		}

		required = append(required, e)
	}
	return required, optional
}

// branchAlive reports whether a condition-sourced branch edge is still in
// play. An edge is dropped only when its condition decided the other way at
// the queried epoch; an undecided edge stays alive, so consumers wait for the
// decision instead of firing without it. Decisions are keyed per epoch, so a
// stale decision from a previous loop iteration never settles an edge.
func (r *Readiness) branchAlive(consumer models.NodeID, e *models.Edge, epoch int) bool {
	if e.SourceOutput != models.PortCondTrue && e.SourceOutput != models.PortCondFalse {
		return true
	}
	if r.tokens.HasUnconsumed(consumer, e.ID, epoch) {
		return true
	}
	decision, ok := r.tokens.BranchDecisionAt(e.Source, epoch)
	return !ok || decision == e.SourceOutput
}

// undecidedBackEdgeLocked reports whether the edge is a condition branch edge
// pointing against topological order whose condition has not decided at this
// epoch. Caller holds the token manager's lock.
func (r *Readiness) undecidedBackEdgeLocked(e *models.Edge, epoch int) bool {
	if e.SourceOutput != models.PortCondTrue && e.SourceOutput != models.PortCondFalse {
		return false
	}
	if !r.diagram.IsBackEdge(e) {
		return false
	}
	_, decided := r.tokens.decisions[nodeEpoch{e.Source, epoch}]
	return !decided
}
