package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeMeta carries execution metadata alongside the body.
type EnvelopeMeta struct {
	Timestamp     time.Time   `json:"timestamp"`
	ExecutionTime int64       `json:"execution_time_ms,omitempty"`
	RetryCount    int         `json:"retry_count,omitempty"`
	LLMUsage      *TokenUsage `json:"llm_usage,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Envelope is the immutable value carried on an edge. Envelopes are addressed
// to output ports of the producing node; the token manager routes them onto
// edges. Once published an envelope is never mutated.
type Envelope struct {
	ID          string       `json:"id"`
	TraceID     string       `json:"trace_id,omitempty"`
	ProducedBy  NodeID       `json:"produced_by"`
	ContentType ContentType  `json:"content_type"`
	Body        any          `json:"body"`
	Meta        EnvelopeMeta `json:"meta"`
}

// NewTextEnvelope builds a raw_text envelope.
func NewTextEnvelope(producedBy NodeID, text string) *Envelope {
	return &Envelope{
		ID:          NewEnvelopeID(),
		ProducedBy:  producedBy,
		ContentType: ContentTypeRawText,
		Body:        text,
		Meta:        EnvelopeMeta{Timestamp: time.Now().UTC()},
	}
}

// NewObjectEnvelope builds an object envelope from any JSON-serializable body.
func NewObjectEnvelope(producedBy NodeID, body any) *Envelope {
	return &Envelope{
		ID:          NewEnvelopeID(),
		ProducedBy:  producedBy,
		ContentType: ContentTypeObject,
		Body:        body,
		Meta:        EnvelopeMeta{Timestamp: time.Now().UTC()},
	}
}

// NewConversationEnvelope builds a conversation_state envelope.
func NewConversationEnvelope(producedBy NodeID, messages []Message) *Envelope {
	return &Envelope{
		ID:          NewEnvelopeID(),
		ProducedBy:  producedBy,
		ContentType: ContentTypeConversationState,
		Body:        messages,
		Meta:        EnvelopeMeta{Timestamp: time.Now().UTC()},
	}
}

// EmptyEnvelope builds the synthetic envelope published on behalf of a
// skipped node.
func EmptyEnvelope(producedBy NodeID) *Envelope {
	return NewTextEnvelope(producedBy, "")
}

// WithMeta returns a copy of the envelope with the given metadata merged in.
// The receiver is left untouched; envelopes are immutable once published.
func (e *Envelope) WithMeta(usage *TokenUsage, execTime time.Duration, retries int) *Envelope {
	clone := *e
	clone.Meta.LLMUsage = usage
	clone.Meta.ExecutionTime = execTime.Milliseconds()
	clone.Meta.RetryCount = retries
	return &clone
}

// BodyText renders the envelope body as a string. Objects are JSON-encoded.
func (e *Envelope) BodyText() string {
	switch v := e.Body.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Truthy evaluates the envelope body as a branch decision: a bare bool, or an
// object with a boolean "result" field, decides directly; otherwise any
// non-empty, non-"false" body is true.
func (e *Envelope) Truthy() bool {
	switch v := e.Body.(type) {
	case bool:
		return v
	case map[string]any:
		if r, ok := v["result"].(bool); ok {
			return r
		}
		return len(v) > 0
	case string:
		return v != "" && v != "false"
	case nil:
		return false
	default:
		return true
	}
}

// Token is a sequence-numbered envelope on an edge, identified by
// (edge, epoch, seq). Seq is monotonic per (edge, epoch) starting at 1.
type Token struct {
	Epoch    int       `json:"epoch"`
	Seq      int       `json:"seq"`
	Envelope *Envelope `json:"envelope"`
}
