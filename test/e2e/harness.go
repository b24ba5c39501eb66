// Package e2e exercises the execution core end to end: YAML diagrams run
// through the runtime manager against an in-memory database, with a scripted
// LLM client standing in for the provider.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/config"
	"github.com/dipeo/dipeo/pkg/database"
	"github.com/dipeo/dipeo/pkg/diagram"
	"github.com/dipeo/dipeo/pkg/events"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/handler/builtin"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/runtime"
	"github.com/dipeo/dipeo/pkg/state"
)

// TestApp boots a complete execution core for e2e testing.
type TestApp struct {
	Config   *config.Config
	States   *state.Registry
	Registry *handler.Registry
	LLM      *ScriptedLLMClient
	Manager  *runtime.Manager

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg *config.Config
	llm *ScriptedLLMClient
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithLLMClient sets a pre-scripted LLM client.
func WithLLMClient(client *ScriptedLLMClient) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// NewTestApp creates a running test instance. Shutdown is registered via
// t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig(t)
	}
	if tc.llm == nil {
		tc.llm = NewScriptedLLMClient()
	}

	ctx := context.Background()
	client, err := database.NewClient(ctx, database.Config{Path: ":memory:"})
	require.NoError(t, err)

	states := state.NewRegistry(state.NewSQLStore(client.Bun()), nil,
		state.WithMaxInlineBytes(tc.cfg.State.MaxInlineBytes))

	registry := handler.NewRegistry()
	require.NoError(t, builtin.RegisterAll(registry))

	manager := runtime.NewManager(tc.cfg, registry, states, tc.llm, nil)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
		states.Close()
		client.Close()
	})

	return &TestApp{
		Config:   tc.cfg,
		States:   states,
		Registry: registry,
		LLM:      tc.llm,
		Manager:  manager,
		t:        t,
	}
}

// defaultTestConfig creates a config suitable for fast tests.
func defaultTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			MaxParallelNodes:     4,
			NodeTimeout:          5 * time.Second,
			ExecutionTimeout:     30 * time.Second,
			CancelGrace:          200 * time.Millisecond,
			DefaultMaxIterations: 20,
		},
		State: config.StateConfig{
			DatabasePath:   ":memory:",
			MaxInlineBytes: 64 * 1024,
		},
		Conversation: config.ConversationConfig{
			MaxMessagesPerPerson: 100,
		},
		Events: config.EventsConfig{
			ProgressBufferSize: 64,
		},
		Files: config.FilesConfig{
			BaseDir: t.TempDir(),
		},
		LLM: config.LLMConfig{
			Provider: "test",
			Model:    "test-model",
			Timeout:  5 * time.Second,
		},
	}
}

// MustParse compiles a YAML diagram or fails the test.
func (a *TestApp) MustParse(src string) *models.Diagram {
	a.t.Helper()
	d, err := diagram.Parse([]byte(src))
	require.NoError(a.t, err)
	return d
}

// RunSync parses and runs a diagram to completion on the caller's goroutine
// and returns the final persisted state alongside the result envelope.
func (a *TestApp) RunSync(src string, vars map[string]any) (*models.ExecutionState, *models.Envelope, error) {
	a.t.Helper()
	d := a.MustParse(src)
	execID, result, err := a.Manager.ExecuteSync(context.Background(), d, runtime.Options{Variables: vars})
	st, stateErr := a.Manager.State(context.Background(), execID)
	require.NoError(a.t, stateErr)
	return st, result, err
}

// RunCollect runs a diagram asynchronously with an event subscription attached
// before the first node dispatches, and returns the collected event stream
// plus the final state. The stream always ends with a terminal event.
func (a *TestApp) RunCollect(src string, vars map[string]any) ([]events.Event, *models.ExecutionState) {
	a.t.Helper()
	d := a.MustParse(src)
	ctx := context.Background()

	execID, err := a.Manager.Execute(ctx, d, runtime.Options{Variables: vars, StartPaused: true})
	require.NoError(a.t, err)

	ch, cancel := a.Manager.Subscribe(execID)
	defer cancel()
	require.NoError(a.t, a.Manager.Control(execID, runtime.ControlResume, ""))

	var collected []events.Event
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
				st, err := a.Manager.Wait(waitCtx, execID)
				waitCancel()
				require.NoError(a.t, err)
				return collected, st
			}
			collected = append(collected, ev)
		case <-deadline:
			a.t.Fatalf("timed out collecting events, got %d so far", len(collected))
		}
	}
}

// eventKey identifies one step of an expected event sequence.
type eventKey struct {
	Type events.EventType
	Node models.NodeID
}

// assertEventSequence checks that the expected keys occur in the stream in
// order, ignoring unrelated events in between.
func assertEventSequence(t *testing.T, got []events.Event, expected []eventKey) {
	t.Helper()
	i := 0
	for _, ev := range got {
		if i < len(expected) && ev.Type == expected[i].Type && ev.NodeID == expected[i].Node {
			i++
		}
	}
	if i != len(expected) {
		t.Fatalf("event sequence stopped matching at step %d (%s %s); got %v",
			i, expected[i].Type, expected[i].Node, summarize(got))
	}
}

// eventsFor filters the stream down to one node's events.
func eventsFor(got []events.Event, node models.NodeID) []events.EventType {
	var out []events.EventType
	for _, ev := range got {
		if ev.NodeID == node {
			out = append(out, ev.Type)
		}
	}
	return out
}

func summarize(got []events.Event) []string {
	out := make([]string, 0, len(got))
	for _, ev := range got {
		s := string(ev.Type)
		if ev.NodeID != "" {
			s += "(" + string(ev.NodeID) + ")"
		}
		out = append(out, s)
	}
	return out
}
