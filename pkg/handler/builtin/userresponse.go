package builtin

import (
	"context"
	"time"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

const userResponseSchema = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"timeout_s": {"type": "number", "minimum": 0}
	},
	"additionalProperties": true
}`

// defaultPromptTimeout bounds interactive prompts that configure no timeout.
const defaultPromptTimeout = 60 * time.Second

// executeUserResponse suspends on an interactive prompt and emits the
// response as a text envelope. A timeout resolves with the empty string and
// is not a failure.
func executeUserResponse(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	if hc.RequestInput == nil {
		return nil, models.NewError(models.KindDependencyUnmet, "user_response %s requires a prompt resolver", hc.Node.ID)
	}

	prompt := interpolate(hc.ConfigString("prompt", ""), scope(hc, inputs))

	timeout := defaultPromptTimeout
	if s := hc.ConfigInt("timeout_s", 0); s > 0 {
		timeout = time.Duration(s) * time.Second
	} else if f, ok := hc.Node.Config["timeout_s"].(float64); ok && f > 0 {
		timeout = time.Duration(f * float64(time.Second))
	}

	promptCtx := map[string]any{}
	if in := inputs.Default(); in != nil {
		promptCtx["input"] = in.BodyText()
	}

	response, err := hc.RequestInput(ctx, prompt, promptCtx, timeout)
	if err != nil {
		return nil, err
	}

	env := models.NewTextEnvelope(hc.Node.ID, response)
	return handler.Outputs{models.PortDefault: env}, nil
}
