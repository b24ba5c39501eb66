package builtin

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const codeJobSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string", "minLength": 1},
		"output_variable": {"type": "string"}
	},
	"required": ["code"],
	"additionalProperties": true
}`

// executeCodeJob evaluates an expression program over the inputs and
// variables and emits its result as an object envelope. The result is
// additionally stored into output_variable when configured.
func executeCodeJob(_ context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	code := hc.ConfigString("code", "")

	result, err := expr.Eval(code, scope(hc, inputs))
	if err != nil {
		return nil, models.NewError(models.KindHandlerFailure, "code_job %s: %v", hc.Node.ID, err)
	}

	if name := hc.ConfigString("output_variable", ""); name != "" {
		hc.Variables.Set(name, result)
	}

	env := models.NewObjectEnvelope(hc.Node.ID, result)
	return handler.Outputs{models.PortDefault: env}, nil
}
