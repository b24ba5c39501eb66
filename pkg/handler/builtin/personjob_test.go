package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/conversation"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
)

func personContext(t *testing.T, config map[string]any, persons map[models.PersonID]*models.Person) *handler.Context {
	hc := testContext(t, models.NodeTypePersonJob, config)
	hc.Diagram.Persons = persons
	return hc
}

func poet() map[models.PersonID]*models.Person {
	return map[models.PersonID]*models.Person{
		"poet": {Label: "Poet", Service: "openai", Model: "gpt-4o-mini", SystemPrompt: "You write verse."},
	}
}

func TestPersonJobFirstTurn(t *testing.T) {
	hc := personContext(t, map[string]any{
		"person":       "poet",
		"first_prompt": "Write about {topic}",
		"prompt":       "Continue",
	}, poet())
	hc.Variables.Set("topic", "rivers")
	llm := &scriptedLLM{replies: []string{"a poem"}}
	hc.LLM = llm

	out, err := executePersonJob(context.Background(), hc, nil)
	require.NoError(t, err)

	env := out[models.PortDefault]
	require.NotNil(t, env)
	assert.Equal(t, "a poem", env.BodyText())
	require.NotNil(t, env.Meta.LLMUsage)
	assert.Equal(t, 15, env.Meta.LLMUsage.Total)

	// First turn uses first_prompt and seeds the system prompt.
	require.Len(t, llm.requests, 1)
	msgs := llm.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You write verse.", msgs[0].Content)
	assert.Equal(t, "Write about rivers", msgs[1].Content)
	assert.Equal(t, "gpt-4o-mini", llm.requests[0].Model)
}

func TestPersonJobLaterTurnsUsePrompt(t *testing.T) {
	hc := personContext(t, map[string]any{
		"person":       "poet",
		"first_prompt": "First",
		"prompt":       "Again",
	}, poet())
	llm := &scriptedLLM{replies: []string{"one", "two"}}
	hc.LLM = llm

	_, err := executePersonJob(context.Background(), hc, nil)
	require.NoError(t, err)

	hc.ExecCount = 1
	_, err = executePersonJob(context.Background(), hc, nil)
	require.NoError(t, err)

	last := llm.requests[1].Messages
	assert.Equal(t, "Again", last[len(last)-1].Content)
	// The second call carries the full history: system, First, one, Again.
	assert.Len(t, last, 4)
}

func TestPersonJobOnEveryTurnConsolidatesOtherPersons(t *testing.T) {
	persons := poet()
	persons["critic"] = &models.Person{Label: "Critic", Service: "openai", Model: "gpt-4o-mini"}
	hc := personContext(t, map[string]any{
		"person": "poet",
		"prompt": "Respond",
		"forget": "on_every_turn",
	}, persons)
	llm := &scriptedLLM{replies: []string{"reply"}}
	hc.LLM = llm

	// A critic turn already happened and was shared into the poet's log.
	hc.Conversation.Append("poet", hc.ExecutionID, models.RoleAssistant, "too florid", "critic", nil, nil)

	_, err := executePersonJob(context.Background(), hc, nil)
	require.NoError(t, err)

	msgs := llm.requests[0].Messages
	// system prompt, consolidated block, last user message.
	require.Len(t, msgs, 3)
	assert.Equal(t, "[Critic]: too florid", msgs[1].Content)
	assert.Equal(t, "Respond", msgs[2].Content)
}

func TestPersonJobSharesReplyWithOtherPersons(t *testing.T) {
	persons := poet()
	persons["critic"] = &models.Person{Service: "openai", Model: "gpt-4o-mini"}
	hc := personContext(t, map[string]any{"person": "poet", "prompt": "Go"}, persons)
	hc.LLM = &scriptedLLM{replies: []string{"the verse"}}

	_, err := executePersonJob(context.Background(), hc, nil)
	require.NoError(t, err)

	criticView := hc.Conversation.History("critic", conversation.Filter{})
	require.Len(t, criticView, 1)
	assert.Equal(t, "the verse", criticView[0].Content)
	assert.Equal(t, "poet", criticView[0].From)
}

func TestPersonJobUnknownPerson(t *testing.T) {
	hc := personContext(t, map[string]any{"person": "ghost"}, poet())
	hc.LLM = &scriptedLLM{}
	_, err := executePersonJob(context.Background(), hc, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.Classify(err))
}

func TestPersonJobWithoutLLM(t *testing.T) {
	hc := personContext(t, map[string]any{"person": "poet"}, poet())
	_, err := executePersonJob(context.Background(), hc, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindDependencyUnmet, models.Classify(err))
}
