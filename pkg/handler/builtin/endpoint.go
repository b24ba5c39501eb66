package builtin

import (
	"context"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const endpointSchema = `{
	"type": "object",
	"properties": {
		"save_to_file": {"type": "string"},
		"output_variable": {"type": "string"}
	},
	"additionalProperties": true
}`

// executeEndpoint terminates a path through the diagram. It optionally saves
// the inbound payload to a file and/or exposes it as an execution variable.
// Endpoints have no outgoing edges and produce no outputs.
func executeEndpoint(_ context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	input := inputs.Default()

	if path := hc.ConfigString("save_to_file", ""); path != "" && input != nil {
		if hc.Files == nil {
			return nil, models.NewError(models.KindDependencyUnmet, "endpoint %s requires a file service", hc.Node.ID)
		}
		if err := hc.Files.Write(path, []byte(input.BodyText())); err != nil {
			return nil, err
		}
	}

	if name := hc.ConfigString("output_variable", ""); name != "" && input != nil {
		hc.Variables.Set(name, input.Body)
	}

	return nil, nil
}
