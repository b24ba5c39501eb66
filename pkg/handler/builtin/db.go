package builtin

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const dbSchema = `{
	"type": "object",
	"properties": {
		"operation": {"type": "string", "enum": ["read", "write", "list"]},
		"path": {"type": "string", "minLength": 1},
		"format": {"type": "string", "enum": ["json", "text"]},
		"pattern": {"type": "string"}
	},
	"required": ["operation", "path"],
	"additionalProperties": true
}`

// executeDB reads, writes or lists file-backed resources through the file
// port. JSON format round-trips through structured bodies; text passes bytes
// through.
func executeDB(_ context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	if hc.Files == nil {
		return nil, models.NewError(models.KindDependencyUnmet, "db %s requires a file service", hc.Node.ID)
	}

	op := hc.ConfigString("operation", "read")
	path := interpolate(hc.ConfigString("path", ""), scope(hc, inputs))
	format := hc.ConfigString("format", "json")

	switch op {
	case "read":
		data, err := hc.Files.Read(path)
		if err != nil {
			return nil, err
		}
		if format == "json" {
			var body any
			if err := json.Unmarshal(data, &body); err != nil {
				return nil, models.NewError(models.KindHandlerFailure, "db %s: %s is not valid JSON: %v", hc.Node.ID, path, err)
			}
			return handler.Outputs{models.PortDefault: models.NewObjectEnvelope(hc.Node.ID, body)}, nil
		}
		return handler.Outputs{models.PortDefault: models.NewTextEnvelope(hc.Node.ID, string(data))}, nil

	case "write":
		input := inputs.Default()
		if input == nil {
			return nil, models.NewError(models.KindValidation, "db %s: write requires an input payload", hc.Node.ID)
		}
		var data []byte
		if format == "json" {
			encoded, err := json.MarshalIndent(input.Body, "", "  ")
			if err != nil {
				return nil, models.NewError(models.KindHandlerFailure, "db %s: payload not serializable: %v", hc.Node.ID, err)
			}
			data = encoded
		} else {
			data = []byte(input.BodyText())
		}
		if err := hc.Files.Write(path, data); err != nil {
			return nil, err
		}
		env := models.NewObjectEnvelope(hc.Node.ID, map[string]any{"path": path, "bytes": len(data)})
		return handler.Outputs{models.PortDefault: env}, nil

	case "list":
		names, err := hc.Files.List(path, hc.ConfigString("pattern", ""))
		if err != nil {
			return nil, err
		}
		return handler.Outputs{models.PortDefault: models.NewObjectEnvelope(hc.Node.ID, names)}, nil

	default:
		return nil, models.NewError(models.KindValidation, "db %s: unknown operation %q", hc.Node.ID, op)
	}
}
