package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeTruthy(t *testing.T) {
	tests := []struct {
		name string
		body any
		want bool
	}{
		{"bool true", true, true},
		{"bool false", false, false},
		{"result true", map[string]any{"result": true}, true},
		{"result false", map[string]any{"result": false}, false},
		{"non-empty object", map[string]any{"x": 1}, true},
		{"empty object", map[string]any{}, false},
		{"non-empty string", "yes", true},
		{"empty string", "", false},
		{"false string", "false", false},
		{"nil", nil, false},
		{"number", 42, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{Body: tt.body}
			assert.Equal(t, tt.want, env.Truthy())
		})
	}
}

func TestEnvelopeBodyText(t *testing.T) {
	assert.Equal(t, "hello", NewTextEnvelope("n", "hello").BodyText())
	assert.Equal(t, `{"a":1}`, NewObjectEnvelope("n", map[string]any{"a": 1}).BodyText())
	assert.Equal(t, "", (&Envelope{}).BodyText())
}

func TestEnvelopeWithMetaDoesNotMutate(t *testing.T) {
	env := NewTextEnvelope("n", "x")
	usage := &TokenUsage{Input: 1, Output: 2, Total: 3}

	decorated := env.WithMeta(usage, 250*time.Millisecond, 2)

	assert.Nil(t, env.Meta.LLMUsage)
	assert.Zero(t, env.Meta.RetryCount)
	assert.Equal(t, usage, decorated.Meta.LLMUsage)
	assert.Equal(t, int64(250), decorated.Meta.ExecutionTime)
	assert.Equal(t, 2, decorated.Meta.RetryCount)
	assert.Equal(t, env.ID, decorated.ID)
}

func TestEmptyEnvelope(t *testing.T) {
	env := EmptyEnvelope("n")
	assert.Equal(t, ContentTypeRawText, env.ContentType)
	assert.Equal(t, "", env.BodyText())
	assert.False(t, env.Truthy())
}
