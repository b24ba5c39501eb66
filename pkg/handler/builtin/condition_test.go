package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

func TestConditionBranchesOnExpression(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		vars       map[string]any
		wantPort   string
		wantResult bool
	}{
		{"true literal", "true", nil, models.PortCondTrue, true},
		{"false literal", "false", nil, models.PortCondFalse, false},
		{"variable compare", "count > 2", map[string]any{"count": 3}, models.PortCondTrue, true},
		{"variable compare false", "count > 2", map[string]any{"count": 1}, models.PortCondFalse, false},
		{"empty string is false", `""`, nil, models.PortCondFalse, false},
		{"nonzero number", "41 + 1", nil, models.PortCondTrue, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := testContext(t, models.NodeTypeCondition, map[string]any{"expression": tt.expression})
			for k, v := range tt.vars {
				hc.Variables.Set(k, v)
			}

			out, err := executeCondition(context.Background(), hc, nil)
			require.NoError(t, err)
			require.Len(t, out, 1)
			env := out[tt.wantPort]
			require.NotNil(t, env, "expected output on port %s", tt.wantPort)
			assert.Equal(t, map[string]any{"result": tt.wantResult}, env.Body)
		})
	}
}

func TestConditionSeesInputsAndExecCount(t *testing.T) {
	hc := testContext(t, models.NodeTypeCondition, map[string]any{"expression": "exec_count < 3"})
	hc.ExecCount = 2
	out, err := executeCondition(context.Background(), hc, nil)
	require.NoError(t, err)
	assert.NotNil(t, out[models.PortCondTrue])

	hc.ExecCount = 3
	out, err = executeCondition(context.Background(), hc, nil)
	require.NoError(t, err)
	assert.NotNil(t, out[models.PortCondFalse])
}

func TestConditionInputShadowsVariable(t *testing.T) {
	hc := testContext(t, models.NodeTypeCondition, map[string]any{"expression": "default.ok"})
	hc.Variables.Set("default", map[string]any{"ok": false})
	inputs := handler.Inputs{
		models.PortDefault: models.NewObjectEnvelope("prev", map[string]any{"ok": true}),
	}

	out, err := executeCondition(context.Background(), hc, inputs)
	require.NoError(t, err)
	assert.NotNil(t, out[models.PortCondTrue])
}

func TestConditionBadExpression(t *testing.T) {
	hc := testContext(t, models.NodeTypeCondition, map[string]any{"expression": "nonsense("})
	_, err := executeCondition(context.Background(), hc, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindHandlerFailure, models.Classify(err))
}
