package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/models"
)

func compile(t *testing.T, d *models.Diagram) *models.Diagram {
	t.Helper()
	require.NoError(t, d.Finalize())
	return d
}

// linearDiagram is start -> work -> end over edges e1, e2.
func linearDiagram(t *testing.T) *models.Diagram {
	return compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "work", Type: models.NodeTypeCodeJob},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "work"},
			{ID: "e2", Source: "work", Target: "end"},
		},
	})
}

func TestPublishSequenceMonotonicPerEdgeEpoch(t *testing.T) {
	m := NewManager(linearDiagram(t))

	t1 := m.Publish("e1", models.NewTextEnvelope("start", "a"), 0)
	t2 := m.Publish("e1", models.NewTextEnvelope("start", "b"), 0)
	t3 := m.Publish("e1", models.NewTextEnvelope("start", "c"), 1)

	assert.Equal(t, 1, t1.Seq)
	assert.Equal(t, 2, t2.Seq)
	// A new epoch restarts the sequence.
	assert.Equal(t, 1, t3.Seq)
	assert.Equal(t, 2, m.SeqHead("e1", 0))
	assert.Equal(t, 1, m.SeqHead("e1", 1))
}

func TestConsumeInboundOneTokenPerEdgePerCall(t *testing.T) {
	m := NewManager(linearDiagram(t))
	m.Publish("e1", models.NewTextEnvelope("start", "first"), 0)
	m.Publish("e1", models.NewTextEnvelope("start", "second"), 0)

	in := m.ConsumeInbound("work", 0)
	require.Len(t, in, 1)
	assert.Equal(t, "first", in[models.PortDefault].BodyText())

	in = m.ConsumeInbound("work", 0)
	require.Len(t, in, 1)
	assert.Equal(t, "second", in[models.PortDefault].BodyText())

	// Nothing left: consuming again yields an empty map.
	assert.Empty(t, m.ConsumeInbound("work", 0))
}

func TestConsumeInboundBoundedByEpoch(t *testing.T) {
	m := NewManager(linearDiagram(t))
	m.Publish("e1", models.NewTextEnvelope("start", "later"), 2)

	assert.Empty(t, m.ConsumeInbound("work", 0))
	assert.Empty(t, m.ConsumeInbound("work", 1))

	in := m.ConsumeInbound("work", 2)
	require.Len(t, in, 1)
	assert.Equal(t, "later", in[models.PortDefault].BodyText())
}

func TestEmitOutputsRoutesPortsOntoEdges(t *testing.T) {
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

	outputs := map[string]*models.Envelope{
		models.PortCondTrue: models.NewObjectEnvelope("cond", map[string]any{"result": true}),
	}
	require.NoError(t, m.EmitOutputs("cond", outputs, 0))

	assert.True(t, m.HasUnconsumed("yes", "t", 0))
	assert.False(t, m.HasUnconsumed("no", "f", 0))

	decision, ok := m.BranchDecisionAt("cond", 0)
	require.True(t, ok)
	assert.Equal(t, models.PortCondTrue, decision)
}

func TestBranchDecisionFromDefaultPortTruthiness(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "cond", Type: models.NodeTypeCondition},
			{ID: "next", Type: models.NodeTypeCodeJob},
		},
		Edges: []*models.Edge{
			{ID: "e", Source: "cond", Target: "next"},
		},
	})
	m := NewManager(d)

	outputs := map[string]*models.Envelope{
		models.PortDefault: models.NewObjectEnvelope("cond", map[string]any{"result": false}),
	}
	require.NoError(t, m.EmitOutputs("cond", outputs, 0))

	decision, ok := m.BranchDecisionAt("cond", 0)
	require.True(t, ok)
	assert.Equal(t, models.PortCondFalse, decision)
}

// loopDiagram is start -> job -> cond, with cond's condtrue edge looping back
// to job. The loop edge goes against topological order.
func loopDiagram(t *testing.T) *models.Diagram {
	return compile(t, &models.Diagram{
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
}

func TestBackEdgeEmissionAdvancesEpoch(t *testing.T) {
	d := loopDiagram(t)
	m := NewManager(d)
	require.True(t, d.IsBackEdge(d.EdgeByID("loop")))

	outputs := map[string]*models.Envelope{
		models.PortCondTrue: models.NewObjectEnvelope("cond", map[string]any{"result": true}),
	}
	require.NoError(t, m.EmitOutputs("cond", outputs, 0))

	assert.Equal(t, 1, m.CurrentEpoch())
	// The loop token lives in the new epoch.
	assert.False(t, m.HasUnconsumed("job", "loop", 0))
	assert.True(t, m.HasUnconsumed("job", "loop", 1))

	// The decision is recorded for both the publish and the new epoch.
	forOld, ok := m.BranchDecisionAt("cond", 0)
	require.True(t, ok)
	assert.Equal(t, models.PortCondTrue, forOld)
	forNew, ok := m.BranchDecisionAt("cond", 1)
	require.True(t, ok)
	assert.Equal(t, models.PortCondTrue, forNew)
}

func TestTransformRewritesRoutedEnvelope(t *testing.T) {
	m := NewManager(linearDiagram(t))
	m.SetTransform("e2", func(_ *models.Edge, env *models.Envelope) (*models.Envelope, error) {
		clone := *env
		clone.Body = env.BodyText() + "!"
		return &clone, nil
	})

	outputs := map[string]*models.Envelope{models.PortDefault: models.NewTextEnvelope("work", "done")}
	require.NoError(t, m.EmitOutputs("work", outputs, 0))

	in := m.ConsumeInbound("end", 0)
	require.Len(t, in, 1)
	assert.Equal(t, "done!", in[models.PortDefault].BodyText())
}

func TestMarkNodeDead(t *testing.T) {
	m := NewManager(linearDiagram(t))
	assert.False(t, m.NodeDead("work"))
	m.MarkNodeDead("work")
	assert.True(t, m.NodeDead("work"))
}

func TestLastConsumedSeqTracksWatermark(t *testing.T) {
	m := NewManager(linearDiagram(t))
	m.Publish("e1", models.NewTextEnvelope("start", "a"), 0)
	m.Publish("e1", models.NewTextEnvelope("start", "b"), 0)

	assert.Equal(t, 0, m.LastConsumedSeq("work", "e1", 0))
	m.ConsumeInbound("work", 0)
	assert.Equal(t, 1, m.LastConsumedSeq("work", "e1", 0))
	m.ConsumeInbound("work", 0)
	assert.Equal(t, 2, m.LastConsumedSeq("work", "e1", 0))
}
