package models

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Opaque identifier types. One type per concept so that a NodeID can never be
// passed where an ExecutionID is expected.
type (
	// ExecutionID identifies a single diagram execution.
	ExecutionID string

	// NodeID identifies a node within a diagram.
	NodeID string

	// ArrowID identifies an edge within a diagram.
	ArrowID string

	// HandleID identifies an input or output handle on a node.
	HandleID string

	// PersonID identifies a configured LLM agent.
	PersonID string

	// DiagramID identifies a compiled diagram.
	DiagramID string

	// APIKeyID references a stored API key for an LLM provider.
	APIKeyID string
)

// NewExecutionID returns a new lexicographically sortable execution ID.
// ULIDs sort by creation time, which keeps execution listings in start order
// without a secondary sort column.
func NewExecutionID() ExecutionID {
	return ExecutionID("exec_" + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String())
}

// NewEnvelopeID returns a new unique envelope ID.
func NewEnvelopeID() string {
	return uuid.New().String()
}

// NewMessageID returns a new unique conversation message ID.
func NewMessageID() string {
	return uuid.New().String()
}

// NewTraceID returns a new trace ID used to correlate envelopes produced
// within one execution.
func NewTraceID() string {
	return uuid.New().String()
}
