package runtime

import (
	"github.com/expr-lang/expr"

	"github.com/dipeo/dipeo/pkg/engine"
	"github.com/dipeo/dipeo/pkg/models"
)

// installTransforms compiles edge transform expressions and installs them on
// the engine's token manager. Transforms see the routed envelope as "body"
// (structured) and "text" (rendered).
func installTransforms(eng *engine.Engine, d *models.Diagram) error {
	for _, e := range d.Edges {
		if e.Transform == "" {
			continue
		}
		program, err := expr.Compile(e.Transform)
		if err != nil {
			return models.NewError(models.KindValidation, "transform on edge %s: %v", e.ID, err)
		}
		eng.Tokens().SetTransform(e.ID, func(edge *models.Edge, env *models.Envelope) (*models.Envelope, error) {
			out, err := expr.Run(program, map[string]any{
				"body": env.Body,
				"text": env.BodyText(),
			})
			if err != nil {
				return nil, err
			}
			clone := *env
			clone.ID = models.NewEnvelopeID()
			clone.Body = out
			if _, isText := out.(string); isText {
				clone.ContentType = models.ContentTypeRawText
			} else {
				clone.ContentType = models.ContentTypeObject
			}
			return &clone, nil
		})
	}
	return nil
}
