package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/events"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

func testConfig() Config {
	return Config{
		MaxParallelNodes:     4,
		NodeTimeout:          5 * time.Second,
		ExecutionTimeout:     10 * time.Second,
		CancelGrace:          100 * time.Millisecond,
		DefaultMaxIterations: 20,
	}
}

func compile(t *testing.T, d *models.Diagram) *models.Diagram {
	t.Helper()
	require.NoError(t, d.Finalize())
	return d
}

// buildEngine wires an engine over a local registry of stub handlers. start
// and endpoint stubs are always present; tests add the rest.
func buildEngine(t *testing.T, d *models.Diagram, funcs map[models.NodeType]handler.Func, observers ...events.Observer) *Engine {
	t.Helper()
	reg := handler.NewRegistry()
	if _, ok := funcs[models.NodeTypeStart]; !ok {
		require.NoError(t, reg.Register(models.NodeTypeStart, "", handler.Func(
			func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
				return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "go")}, nil
			})))
	}
	if _, ok := funcs[models.NodeTypeEndpoint]; !ok {
		require.NoError(t, reg.Register(models.NodeTypeEndpoint, "", handler.Func(
			func(context.Context, *handler.Context, handler.Inputs) (handler.Outputs, error) {
				return nil, nil
			})))
	}
	for nt, fn := range funcs {
		require.NoError(t, reg.Register(nt, "", fn))
	}
	return New(testConfig(), d, reg, events.NewBus(observers...), Services{}, Options{ExecutionID: "exec_test"})
}

func passthrough(_ context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	in := inputs.Default()
	text := ""
	if in != nil {
		text = in.BodyText()
	}
	return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, text+"+"+string(hc.Node.ID))}, nil
}

func TestLinearFlowCompletes(t *testing.T) {
	d := compile(t, &models.Diagram{
		ID: "linear",
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

	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: passthrough,
	})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "go+work", result.BodyText())
}

func TestConditionSkipsUnreachableBranch(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "gate", Type: models.NodeTypeCondition},
			{ID: "yes", Type: models.NodeTypeCodeJob},
			{ID: "no", Type: models.NodeTypeCodeJob},
			{ID: "end", Type: models.NodeTypeEndpoint, Join: &models.JoinPolicy{Kind: models.JoinAny}},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "gate"},
			{ID: "et", Source: "gate", SourceOutput: models.PortCondTrue, Target: "yes"},
			{ID: "ef", Source: "gate", SourceOutput: models.PortCondFalse, Target: "no"},
			{ID: "ey", Source: "yes", Target: "end"},
			{ID: "en", Source: "no", Target: "end"},
		},
	})

	var noRan atomic.Bool
	skipped := make(map[models.NodeID]string)
	obs := &recordingObserver{onSkip: func(id models.NodeID, reason string) { skipped[id] = reason }}

	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCondition: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			return handler.Outputs{models.PortCondTrue: models.NewObjectEnvelope(hc.Node.ID, map[string]any{"result": true})}, nil
		},
		models.NodeTypeCodeJob: func(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
			if hc.Node.ID == "no" {
				noRan.Store(true)
			}
			return passthrough(ctx, hc, inputs)
		},
	}, obs)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, noRan.Load())
	assert.Equal(t, "unreachable", skipped["no"])
}

func TestLoopRunsUntilConditionFlips(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "job", Type: models.NodeTypeCodeJob},
			{ID: "gate", Type: models.NodeTypeCondition},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "job"},
			{ID: "e2", Source: "job", Target: "gate"},
			{ID: "loop", Source: "gate", SourceOutput: models.PortCondTrue, Target: "job"},
			{ID: "exit", Source: "gate", SourceOutput: models.PortCondFalse, Target: "end"},
		},
	})

	var jobRuns atomic.Int32
	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			jobRuns.Add(1)
			return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "tick")}, nil
		},
		models.NodeTypeCondition: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			again := hc.ExecCount < 2
			port := models.PortCondFalse
			if again {
				port = models.PortCondTrue
			}
			return handler.Outputs{port: models.NewObjectEnvelope(hc.Node.ID, map[string]any{"result": again})}, nil
		},
	})

	_, err := eng.Run(context.Background())
	require.NoError(t, err)
	// Initial pass plus two loop re-entries.
	assert.EqualValues(t, 3, jobRuns.Load())
}

func TestMaxIterationsStopsRunawayLoop(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "job", Type: models.NodeTypeCodeJob, MaxIterations: 2},
			{ID: "gate", Type: models.NodeTypeCondition},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "job"},
			{ID: "e2", Source: "job", Target: "gate"},
			{ID: "loop", Source: "gate", SourceOutput: models.PortCondTrue, Target: "job"},
			{ID: "exit", Source: "gate", SourceOutput: models.PortCondFalse, Target: "end"},
		},
	})

	var jobRuns atomic.Int32
	skipped := make(map[models.NodeID]string)
	obs := &recordingObserver{onSkip: func(id models.NodeID, reason string) { skipped[id] = reason }}

	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			jobRuns.Add(1)
			return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "tick")}, nil
		},
		// Always loops: only the iteration cap ends this.
		models.NodeTypeCondition: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			return handler.Outputs{models.PortCondTrue: models.NewObjectEnvelope(hc.Node.ID, map[string]any{"result": true})}, nil
		},
	}, obs)

	// The cap stops the loop; the exit branch was never taken, so the endpoint
	// settles as unreachable and the run completes without a result.
	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.EqualValues(t, 2, jobRuns.Load())
	assert.Equal(t, "unreachable", skipped["end"])
}

func TestTransientFailureIsRetried(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "flaky", Type: models.NodeTypeCodeJob,
				Retry: &models.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: models.RetryConstant}},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "flaky"},
			{ID: "e2", Source: "flaky", Target: "end"},
		},
	})

	var attempts atomic.Int32
	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			if attempts.Add(1) < 3 {
				return nil, models.NewError(models.KindTransient, "rate limited")
			}
			return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "ok")}, nil
		},
	})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, "ok", result.BodyText())
	assert.Equal(t, 2, result.Meta.RetryCount)
}

func TestNonRetryableFailureFailsExecution(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "bad", Type: models.NodeTypeCodeJob},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "bad"},
			{ID: "e2", Source: "bad", Target: "end"},
		},
	})

	var attempts atomic.Int32
	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(context.Context, *handler.Context, handler.Inputs) (handler.Outputs, error) {
			attempts.Add(1)
			return nil, models.NewError(models.KindValidation, "bad config")
		},
	})

	_, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.Classify(err))
	assert.EqualValues(t, 1, attempts.Load())
}

func TestOnErrorContinueDropsOutputs(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "fickle", Type: models.NodeTypeCodeJob, OnError: models.ErrorModeContinue},
			{ID: "steady", Type: models.NodeTypeCodeJob},
			{ID: "end", Type: models.NodeTypeEndpoint, Join: &models.JoinPolicy{Kind: models.JoinAll}},
		},
		Edges: []*models.Edge{
			{ID: "s1", Source: "start", Target: "fickle"},
			{ID: "s2", Source: "start", Target: "steady"},
			{ID: "ef", Source: "fickle", Target: "end"},
			{ID: "es", Source: "steady", Target: "end"},
		},
	})

	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
			if hc.Node.ID == "fickle" {
				return nil, models.NewError(models.KindHandlerFailure, "broken")
			}
			return passthrough(ctx, hc, inputs)
		},
	})

	// The fickle node's edge drops out of the join; the execution completes on
	// the steady path alone.
	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "go+steady", result.BodyText())
}

func TestAbortCancelsExecution(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "slow", Type: models.NodeTypeCodeJob},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "slow"},
			{ID: "e2", Source: "slow", Target: "end"},
		},
	})

	started := make(chan struct{})
	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(ctx context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			close(started)
			<-ctx.Done()
			return nil, models.WrapError(models.KindCancelled, ctx.Err())
		},
	})

	go func() {
		<-started
		eng.Abort()
	}()

	_, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.Classify(err))
}

func TestSkipNodeSettlesPendingNode(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "slow", Type: models.NodeTypeCodeJob},
			{ID: "mid", Type: models.NodeTypeDB},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "slow"},
			{ID: "e2", Source: "slow", Target: "mid"},
			{ID: "e3", Source: "mid", Target: "end"},
		},
	})

	var eng *Engine
	eng = buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: func(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
			// Skip the downstream node while this one is still running.
			assert.True(t, eng.SkipNode("mid"))
			return passthrough(ctx, hc, inputs)
		},
		models.NodeTypeDB: func(context.Context, *handler.Context, handler.Inputs) (handler.Outputs, error) {
			t.Error("skipped node must not execute")
			return nil, nil
		},
	})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	// The skip placeholder flows to the endpoint.
	require.NotNil(t, result)
	assert.Equal(t, "", result.BodyText())
}

func TestDeadlockDetected(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "a", Type: models.NodeTypeCodeJob, Join: &models.JoinPolicy{Kind: models.JoinAll}},
			{ID: "b", Type: models.NodeTypeCodeJob},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "a"},
			// a and b wait on each other.
			{ID: "ba", Source: "b", Target: "a"},
			{ID: "ab", Source: "a", Target: "b"},
			{ID: "ae", Source: "a", Target: "end"},
		},
	})

	eng := buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeCodeJob: passthrough,
	})

	_, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindDeadlock, models.Classify(err))
}

func TestMissingServiceFailsNode(t *testing.T) {
	d := compile(t, &models.Diagram{
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "ask", Type: models.NodeTypePersonJob},
			{ID: "end", Type: models.NodeTypeEndpoint},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "start", Target: "ask"},
			{ID: "e2", Source: "ask", Target: "end"},
		},
	})

	reg := handler.NewRegistry()
	require.NoError(t, reg.Register(models.NodeTypeStart, "", handler.Func(
		func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "go")}, nil
		})))
	require.NoError(t, reg.Register(models.NodeTypeEndpoint, "", handler.Func(
		func(context.Context, *handler.Context, handler.Inputs) (handler.Outputs, error) { return nil, nil })))
	require.NoError(t, reg.Register(models.NodeTypePersonJob, "", handler.Func(
		func(context.Context, *handler.Context, handler.Inputs) (handler.Outputs, error) {
			t.Error("handler must not run without its LLM service")
			return nil, nil
		}), handler.ServiceLLM))

	// No LLM service wired.
	eng := New(testConfig(), d, reg, events.NewBus(), Services{}, Options{ExecutionID: "exec_test"})

	_, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindDependencyUnmet, models.Classify(err))
}

func TestPauseHoldsDispatch(t *testing.T) {
	d := compile(t, &models.Diagram{
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

	var workRan atomic.Bool
	var eng *Engine
	eng = buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeStart: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			eng.Pause()
			go func() {
				time.Sleep(50 * time.Millisecond)
				assert.False(t, workRan.Load())
				eng.Resume()
			}()
			return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "go")}, nil
		},
		models.NodeTypeCodeJob: func(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
			workRan.Store(true)
			return passthrough(ctx, hc, inputs)
		},
	})

	_, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, workRan.Load())
}

func TestPauseNodeBlocksDispatchUntilResumed(t *testing.T) {
	d := compile(t, &models.Diagram{
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

	var workRan atomic.Bool
	var eng *Engine
	eng = buildEngine(t, d, map[models.NodeType]handler.Func{
		models.NodeTypeStart: func(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
			// Pause the downstream node before its token arrives; the rest of
			// the diagram keeps dispatching.
			assert.True(t, eng.PauseNode("work"))
			go func() {
				time.Sleep(50 * time.Millisecond)
				assert.False(t, workRan.Load())
				assert.True(t, eng.ResumeNode("work"))
			}()
			return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, "go")}, nil
		},
		models.NodeTypeCodeJob: func(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
			workRan.Store(true)
			return passthrough(ctx, hc, inputs)
		},
	})

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, workRan.Load())
	require.NotNil(t, result)
	assert.Equal(t, "go+work", result.BodyText())

	// Resuming a node that is not paused reports failure.
	assert.False(t, eng.ResumeNode("work"))
}

// recordingObserver captures skip notifications.
type recordingObserver struct {
	onSkip func(models.NodeID, string)
}

func (r *recordingObserver) OnExecutionStart(context.Context, models.ExecutionID, models.DiagramID) {}
func (r *recordingObserver) OnExecutionComplete(context.Context, models.ExecutionID)                {}
func (r *recordingObserver) OnExecutionError(context.Context, models.ExecutionID, error)            {}
func (r *recordingObserver) OnNodeStart(context.Context, models.ExecutionID, models.NodeID)         {}
func (r *recordingObserver) OnNodeComplete(context.Context, models.ExecutionID, models.NodeID, *models.Envelope) {
}
func (r *recordingObserver) OnNodeError(context.Context, models.ExecutionID, models.NodeID, error) {}
func (r *recordingObserver) OnNodeSkipped(_ context.Context, _ models.ExecutionID, id models.NodeID, reason string) {
	if r.onSkip != nil {
		r.onSkip(id, reason)
	}
}
