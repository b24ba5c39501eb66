package builtin

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const conditionSchema = `{
	"type": "object",
	"properties": {
		"expression": {"type": "string"},
		"skippable": {"type": "boolean"}
	},
	"required": ["expression"],
	"additionalProperties": true
}`

// executeCondition evaluates the configured expression against the variable
// scope and inputs, and emits {result: bool} on the matching branch port.
// The port carries the branch decision; the token manager records it.
func executeCondition(_ context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	expression := hc.ConfigString("expression", "")

	result, err := expr.Eval(expression, scope(hc, inputs))
	if err != nil {
		return nil, models.NewError(models.KindHandlerFailure, "condition %s: %v", hc.Node.ID, err)
	}

	truthy := false
	switch v := result.(type) {
	case bool:
		truthy = v
	case nil:
		truthy = false
	case string:
		truthy = v != "" && v != "false"
	case int:
		truthy = v != 0
	case float64:
		truthy = v != 0
	default:
		truthy = true
	}

	port := models.PortCondFalse
	if truthy {
		port = models.PortCondTrue
	}
	env := models.NewObjectEnvelope(hc.Node.ID, map[string]any{"result": truthy})
	return handler.Outputs{port: env}, nil
}
