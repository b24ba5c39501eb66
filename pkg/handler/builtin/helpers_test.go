package builtin

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/conversation"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

// testContext builds a handler context around a single node with the given
// config. The diagram only contains that node; tests that need more pass
// their own.
func testContext(t *testing.T, nodeType models.NodeType, config map[string]any) *handler.Context {
	t.Helper()
	node := &models.Node{ID: "node", Type: nodeType, Config: config}
	d := &models.Diagram{Nodes: []*models.Node{node}}
	require.NoError(t, d.Finalize())
	return &handler.Context{
		ExecutionID:  "exec_test",
		Node:         node,
		Diagram:      d,
		Variables:    handler.NewVariables(nil),
		Conversation: conversation.NewStore(),
		Logger:       slog.Default(),
	}
}

// scriptedLLM replies with canned responses in order.
type scriptedLLM struct {
	replies  []string
	requests []ports.CompleteRequest
}

func (s *scriptedLLM) Complete(_ context.Context, req ports.CompleteRequest) (*ports.CompleteResult, error) {
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	reply := "done"
	if idx < len(s.replies) {
		reply = s.replies[idx]
	}
	return &ports.CompleteResult{
		Text:       reply,
		TokenUsage: models.TokenUsage{Input: 10, Output: 5, Total: 15},
	}, nil
}
