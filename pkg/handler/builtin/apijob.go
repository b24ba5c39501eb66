package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

const apiJobSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {},
		"timeout_s": {"type": "number", "minimum": 0}
	},
	"required": ["url"],
	"additionalProperties": true
}`

// executeAPIJob performs one HTTP request through the HTTP port and emits an
// object envelope {status, headers, body}. JSON response bodies are decoded;
// anything else is passed through as text.
func executeAPIJob(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	if hc.HTTP == nil {
		return nil, models.NewError(models.KindDependencyUnmet, "api_job %s requires an HTTP client", hc.Node.ID)
	}

	url := interpolate(hc.ConfigString("url", ""), scope(hc, inputs))

	headers := make(map[string]string)
	if raw, ok := hc.Node.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	var body []byte
	switch v := hc.Node.Config["body"].(type) {
	case nil:
		// Fall back to the default input payload for POST-style calls.
		if in := inputs.Default(); in != nil && hc.ConfigString("method", "GET") != "GET" {
			body = []byte(in.BodyText())
		}
	case string:
		body = []byte(interpolate(v, scope(hc, inputs)))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, models.NewError(models.KindValidation, "api_job %s: body not serializable: %v", hc.Node.ID, err)
		}
		body = encoded
	}

	var timeout time.Duration
	if s := hc.ConfigInt("timeout_s", 0); s > 0 {
		timeout = time.Duration(s) * time.Second
	}

	resp, err := hc.HTTP.Request(ctx, ports.HTTPRequest{
		Method:  hc.ConfigString("method", "GET"),
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	var decoded any
	if json.Unmarshal(resp.Body, &decoded) != nil {
		decoded = string(resp.Body)
	}

	env := models.NewObjectEnvelope(hc.Node.ID, map[string]any{
		"status":  resp.Status,
		"headers": resp.Headers,
		"body":    decoded,
	})
	return handler.Outputs{models.PortDefault: env}, nil
}
