package builtin

import (
	"context"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const startSchema = `{
	"type": "object",
	"properties": {
		"trigger": {"type": "string"}
	},
	"additionalProperties": true
}`

// executeStart emits the execution variables as an object envelope. Start
// nodes run exactly once per execution; the engine seeds them ready at start.
func executeStart(_ context.Context, hc *handler.Context, _ handler.Inputs) (handler.Outputs, error) {
	env := models.NewObjectEnvelope(hc.Node.ID, hc.Variables.Snapshot())
	return handler.Outputs{models.PortDefault: env}, nil
}
