package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/models"
)

// joinDiagram fans two producers into join over edges ea, eb.
func joinDiagram(t *testing.T, policy models.JoinPolicy) *models.Diagram {
	return compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "a", Type: models.NodeTypeCodeJob},
			{ID: "b", Type: models.NodeTypeCodeJob},
			{ID: "join", Type: models.NodeTypeCodeJob, Join: &policy},
		},
		Edges: []*models.Edge{
			{ID: "s1", Source: "start", Target: "a"},
			{ID: "s2", Source: "start", Target: "b"},
			{ID: "ea", Source: "a", Target: "join"},
			{ID: "eb", Source: "b", Target: "join"},
		},
	})
}

func TestJoinAllWaitsForEveryEdge(t *testing.T) {
	d := joinDiagram(t, models.JoinPolicy{Kind: models.JoinAll})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("join"))

	assert.False(t, r.IsReady("join", 0, policy, 0))

	m.Publish("ea", models.NewTextEnvelope("a", "x"), 0)
	assert.False(t, r.IsReady("join", 0, policy, 0))

	m.Publish("eb", models.NewTextEnvelope("b", "y"), 0)
	assert.True(t, r.IsReady("join", 0, policy, 0))
}

func TestJoinAnyFiresOnFirstToken(t *testing.T) {
	d := joinDiagram(t, models.JoinPolicy{Kind: models.JoinAny})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("join"))

	assert.False(t, r.IsReady("join", 0, policy, 0))
	m.Publish("eb", models.NewTextEnvelope("b", "y"), 0)
	assert.True(t, r.IsReady("join", 0, policy, 0))
}

func TestJoinKOfN(t *testing.T) {
	d := joinDiagram(t, models.JoinPolicy{Kind: models.JoinKOfN, K: 2})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("join"))

	m.Publish("ea", models.NewTextEnvelope("a", "x"), 0)
	assert.False(t, r.IsReady("join", 0, policy, 0))
	m.Publish("eb", models.NewTextEnvelope("b", "y"), 0)
	assert.True(t, r.IsReady("join", 0, policy, 0))
}

func TestDeadSourceEdgeDropsOutOfJoin(t *testing.T) {
	d := joinDiagram(t, models.JoinPolicy{Kind: models.JoinAll})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("join"))

	m.Publish("ea", models.NewTextEnvelope("a", "x"), 0)
	assert.False(t, r.IsReady("join", 0, policy, 0))

	// b died (skipped or failed with on_error=continue): its edge is absent,
	// so the remaining edge alone satisfies join=all.
	m.MarkNodeDead("b")
	assert.True(t, r.IsReady("join", 0, policy, 0))

	required, optional := r.ActiveEdges("join", 0, 0)
	require.Len(t, required, 1)
	assert.Equal(t, models.ArrowID("ea"), required[0].ID)
	assert.Empty(t, optional)
}

func TestAllSourcesDeadMeansNoActiveEdges(t *testing.T) {
	d := joinDiagram(t, models.JoinPolicy{Kind: models.JoinAny})
	m := NewManager(d)
	r := NewReadiness(d, m)

	m.MarkNodeDead("a")
	m.MarkNodeDead("b")

	required, optional := r.ActiveEdges("join", 0, 0)
	assert.Empty(t, required)
	assert.Empty(t, optional)
	assert.False(t, r.IsReady("join", 0, d.JoinPolicyOf(d.NodeByID("join")), 0))
}

func TestStartEdgeIgnoredAfterFirstExecution(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "job", Type: models.NodeTypeCodeJob},
			{ID: "cond", Type: models.NodeTypeCondition},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "job"},
			{ID: "e2", Source: "job", Target: "cond"},
			{ID: "loop", Source: "cond", SourceOutput: models.PortCondTrue, Target: "job"},
		},
	})
	m := NewManager(d)
	r := NewReadiness(d, m)

	required, _ := r.ActiveEdges("job", 0, 0)
	require.Len(t, required, 2)

	// After the first execution the start edge no longer participates; only
	// the loop edge keeps the node alive.
	required, _ = r.ActiveEdges("job", 1, 1)
	require.Len(t, required, 1)
	assert.Equal(t, models.ArrowID("loop"), required[0].ID)
}

func TestUndecidedBranchEdgeBlocksJoinAll(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "work", Type: models.NodeTypeCodeJob},
			{ID: "gate", Type: models.NodeTypeCondition},
			{ID: "join", Type: models.NodeTypeCodeJob, Join: &models.JoinPolicy{Kind: models.JoinAll}},
		},
		Edges: []*models.Edge{
			{ID: "s1", Source: "start", Target: "work"},
			{ID: "s2", Source: "start", Target: "gate"},
			{ID: "ew", Source: "work", Target: "join"},
			{ID: "eg", Source: "gate", SourceOutput: models.PortCondTrue, Target: "join"},
		},
	})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("join"))

	// work finished first; the gate has not decided yet, so its edge stays
	// required and the join must wait.
	m.Publish("ew", models.NewTextEnvelope("work", "x"), 0)
	required, _ := r.ActiveEdges("join", 0, 0)
	require.Len(t, required, 2)
	assert.False(t, r.IsReady("join", 0, policy, 0))

	require.NoError(t, m.EmitOutputs("gate", map[string]*models.Envelope{
		models.PortCondTrue: models.NewObjectEnvelope("gate", map[string]any{"result": true}),
	}, 0))
	assert.True(t, r.IsReady("join", 0, policy, 0))
}

func TestUndecidedLoopEdgeDoesNotBlockFirstEntry(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "job", Type: models.NodeTypeCodeJob},
			{ID: "cond", Type: models.NodeTypeCondition},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "job"},
			{ID: "e2", Source: "job", Target: "cond"},
			{ID: "loop", Source: "cond", SourceOutput: models.PortCondTrue, Target: "job"},
		},
	})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("job"))

	// The loop edge's condition sits downstream of job and cannot have
	// decided yet; the start token alone lets the cycle begin.
	m.Publish("e1", models.NewTextEnvelope("start", "go"), 0)
	assert.True(t, r.IsReady("job", 0, policy, 0))

	// A node fed only by the undecided loop edge has nothing to run on.
	m.ConsumeInbound("job", 0)
	assert.False(t, r.IsReady("job", 0, policy, 1))
}

func TestBranchEdgeFilteredByDecision(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "cond", Type: models.NodeTypeCondition},
			{ID: "yes", Type: models.NodeTypeCodeJob},
			{ID: "no", Type: models.NodeTypeCodeJob},
		},
		Edges: []*models.Edge{
			{ID: "t", Source: "cond", SourceOutput: models.PortCondTrue, Target: "yes"},
			{ID: "f", Source: "cond", SourceOutput: models.PortCondFalse, Target: "no"},
		},
	})
	m := NewManager(d)
	r := NewReadiness(d, m)

	outputs := map[string]*models.Envelope{
		models.PortCondTrue: models.NewObjectEnvelope("cond", map[string]any{"result": true}),
	}
	require.NoError(t, m.EmitOutputs("cond", outputs, 0))

	required, _ := r.ActiveEdges("yes", 0, 0)
	assert.Len(t, required, 1)

	// The false branch lost the decision and has no token: its edge is gone.
	required, optional := r.ActiveEdges("no", 0, 0)
	assert.Empty(t, required)
	assert.Empty(t, optional)
}

func TestSkippableConditionEdgeIsOptional(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "work", Type: models.NodeTypeCodeJob},
			{ID: "gate", Type: models.NodeTypeCondition, Skippable: true},
			{ID: "join", Type: models.NodeTypeCodeJob, Join: &models.JoinPolicy{Kind: models.JoinAll}},
		},
		Edges: []*models.Edge{
			{ID: "s1", Source: "start", Target: "work"},
			{ID: "s2", Source: "start", Target: "gate"},
			{ID: "ew", Source: "work", Target: "join"},
			{ID: "eg", Source: "gate", SourceOutput: models.PortCondTrue, Target: "join"},
		},
	})
	m := NewManager(d)
	r := NewReadiness(d, m)
	policy := d.JoinPolicyOf(d.NodeByID("join"))

	// The skippable gate decided true but its token may lag; once the
	// required edge has a token, join=all is satisfied without it.
	require.NoError(t, m.EmitOutputs("gate", map[string]*models.Envelope{
		models.PortCondTrue: models.NewObjectEnvelope("gate", map[string]any{"result": true}),
	}, 0))

	// Consume the gate token so only the decision remains.
	m.ConsumeInbound("join", 0)

	m.Publish("ew", models.NewTextEnvelope("work", "x"), 0)

	required, optional := r.ActiveEdges("join", 0, 0)
	require.Len(t, required, 1)
	assert.Equal(t, models.ArrowID("ew"), required[0].ID)
	require.Len(t, optional, 1)
	assert.Equal(t, models.ArrowID("eg"), optional[0].ID)

	assert.True(t, r.IsReady("join", 0, policy, 0))
}

func TestSkippableConditionAsOnlySourceStaysRequired(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "gate", Type: models.NodeTypeCondition, Skippable: true},
			{ID: "next", Type: models.NodeTypeCodeJob},
		},
		Edges: []*models.Edge{
			{ID: "eg", Source: "gate", SourceOutput: models.PortCondTrue, Target: "next"},
		},
	})
	m := NewManager(d)
	r := NewReadiness(d, m)

	require.NoError(t, m.EmitOutputs("gate", map[string]*models.Envelope{
		models.PortCondTrue: models.NewObjectEnvelope("gate", map[string]any{"result": true}),
	}, 0))

	required, optional := r.ActiveEdges("next", 0, 0)
	require.Len(t, required, 1)
	assert.Empty(t, optional)
}
