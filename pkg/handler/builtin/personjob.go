package builtin

import (
	"context"
	"time"

	"github.com/dipeo/dipeo/pkg/conversation"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

const personJobSchema = `{
	"type": "object",
	"properties": {
		"person": {"type": "string", "minLength": 1},
		"prompt": {"type": "string"},
		"first_prompt": {"type": "string"},
		"forget": {"type": "string", "enum": ["no_forget", "on_every_turn", "own_only", "all", "upon_request"]},
		"max_iterations": {"type": "integer", "minimum": 1}
	},
	"required": ["person"],
	"additionalProperties": true
}`

// executePersonJob runs one LLM turn for a configured person: applies the
// forgetting mode, builds the chat messages, calls the LLM port, records the
// exchange in the conversation store, and emits the reply with usage meta.
func executePersonJob(ctx context.Context, hc *handler.Context, inputs handler.Inputs) (handler.Outputs, error) {
	personID := models.PersonID(hc.ConfigString("person", ""))
	person := hc.Diagram.Person(personID)
	if person == nil {
		return nil, models.NewError(models.KindNotFound, "person %q is not defined in the diagram", personID)
	}
	if hc.LLM == nil {
		return nil, models.NewError(models.KindDependencyUnmet, "person_job %s requires an LLM client", hc.Node.ID)
	}

	mode := models.ForgetMode(hc.ConfigString("forget", string(models.ForgetNone)))

	// Destructive modes prune the log at start of turn; view-level modes
	// only shape the prompt below.
	if mode == models.ForgetAll {
		hc.Conversation.Forget(personID, hc.ExecutionID, models.ForgetAll)
	}

	// First turn: seed the person's system prompt.
	if hc.ExecCount == 0 && person.SystemPrompt != "" {
		hc.Conversation.Append(personID, hc.ExecutionID, models.RoleSystem, person.SystemPrompt, models.SenderSystem, &hc.Node.ID, nil)
	}

	prompt := hc.ConfigString("prompt", "")
	if hc.ExecCount == 0 {
		if first := hc.ConfigString("first_prompt", ""); first != "" {
			prompt = first
		}
	}
	prompt = interpolate(prompt, scope(hc, inputs))

	hc.Conversation.Append(personID, hc.ExecutionID, models.RoleUser, prompt, models.SenderUser, &hc.Node.ID, nil)

	messages := buildChatMessages(hc, personID, mode)

	started := time.Now()
	result, err := hc.LLM.Complete(ctx, ports.CompleteRequest{
		Messages: messages,
		Model:    person.Model,
		APIKeyID: person.APIKeyID,
	})
	if err != nil {
		return nil, err
	}

	usage := result.TokenUsage
	hc.Conversation.Append(personID, hc.ExecutionID, models.RoleAssistant, result.Text, string(personID), &hc.Node.ID, &usage)

	// Other persons hear the reply so that their consolidated views can
	// include it.
	for otherID := range hc.Diagram.Persons {
		if otherID == personID {
			continue
		}
		hc.Conversation.Append(otherID, hc.ExecutionID, models.RoleAssistant, result.Text, string(personID), &hc.Node.ID, nil)
	}

	if hc.EmitProgress != nil {
		hc.EmitProgress(map[string]any{
			"tokens_in":  usage.Input,
			"tokens_out": usage.Output,
		})
	}

	env := models.NewTextEnvelope(hc.Node.ID, result.Text).WithMeta(&usage, time.Since(started), 0)
	return handler.Outputs{models.PortDefault: env}, nil
}

// buildChatMessages shapes the person's history into LLM chat messages under
// the forgetting mode.
func buildChatMessages(hc *handler.Context, personID models.PersonID, mode models.ForgetMode) []ports.ChatMessage {
	label := func(p models.PersonID) string {
		if def := hc.Diagram.Person(p); def != nil && def.Label != "" {
			return def.Label
		}
		return string(p)
	}

	filter := conversation.Filter{ExecutionID: hc.ExecutionID}
	var history []models.Message
	switch mode {
	case models.ForgetOnEveryTurn:
		history = hc.Conversation.PromptView(personID, hc.ExecutionID, mode, label)
	case models.ForgetOwn:
		for _, m := range hc.Conversation.History(personID, filter) {
			if m.From == string(personID) {
				continue
			}
			history = append(history, m)
		}
	default:
		history = hc.Conversation.History(personID, filter)
	}

	out := make([]ports.ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, ports.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
