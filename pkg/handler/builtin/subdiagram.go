package builtin

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo/pkg/diagram"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const subDiagramSchema = `{
	"type": "object",
	"properties": {
		"diagram": {"type": "object"},
		"diagram_path": {"type": "string"},
		"variables": {"type": "object"}
	},
	"additionalProperties": true
}`

// maxSubDiagramDepth stops runaway recursion of nested diagrams.
const maxSubDiagramDepth = 8

// executeSubDiagram runs a nested diagram (inline or loaded from a file) in a
// child execution and emits its representative output.
func executeSubDiagram(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	if hc.ExecuteSub == nil {
		return nil, models.NewError(models.KindDependencyUnmet, "sub_diagram %s requires a sub-executor", hc.Node.ID)
	}
	if hc.Depth >= maxSubDiagramDepth {
		return nil, models.NewError(models.KindValidation, "sub_diagram %s exceeds max nesting depth %d", hc.Node.ID, maxSubDiagramDepth)
	}

	sub, err := resolveSubDiagram(hc)
	if err != nil {
		return nil, err
	}

	variables := make(map[string]any)
	if raw, ok := hc.Node.Config["variables"].(map[string]any); ok {
		for k, v := range raw {
			variables[k] = v
		}
	}
	for port, env := range inputs {
		if env != nil {
			variables[port] = env.Body
		}
	}

	output, err := hc.ExecuteSub(ctx, sub, variables)
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = models.EmptyEnvelope(hc.Node.ID)
	} else {
		clone := *output
		clone.ProducedBy = hc.Node.ID
		output = &clone
	}
	return handler.Outputs{models.PortDefault: output}, nil
}

func resolveSubDiagram(hc *handler.Context) (*models.Diagram, error) {
	if path := hc.ConfigString("diagram_path", ""); path != "" {
		if hc.Files == nil {
			return nil, models.NewError(models.KindDependencyUnmet, "sub_diagram %s requires a file service to load %q", hc.Node.ID, path)
		}
		data, err := hc.Files.Read(path)
		if err != nil {
			return nil, err
		}
		return diagram.Parse(data)
	}

	raw, ok := hc.Node.Config["diagram"].(map[string]any)
	if !ok {
		return nil, models.NewError(models.KindValidation, "sub_diagram %s: missing diagram or diagram_path", hc.Node.ID)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, models.NewError(models.KindValidation, "sub_diagram %s: %v", hc.Node.ID, err)
	}
	var sub models.Diagram
	if err := json.Unmarshal(encoded, &sub); err != nil {
		return nil, models.NewError(models.KindValidation, "sub_diagram %s: %v", hc.Node.ID, err)
	}
	if err := diagram.Prepare(&sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
