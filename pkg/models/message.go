package models

import "time"

// MessageRole is the chat role of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Sender pseudo-persons for messages not originated by a configured person.
const (
	SenderSystem = "system"
	SenderUser   = "user"
)

// ForgetMode selects the forgetting strategy applied to a person's
// conversation at the start of each turn.
type ForgetMode string

const (
	// ForgetNone keeps the full history.
	ForgetNone ForgetMode = "no_forget"
	// ForgetOnEveryTurn keeps system messages plus only the last user
	// message; other persons' latest replies are consolidated into a single
	// labelled block when the prompt is built.
	ForgetOnEveryTurn ForgetMode = "on_every_turn"
	// ForgetOwn drops messages authored by the person itself.
	ForgetOwn ForgetMode = "own_only"
	// ForgetAll drops all non-system messages.
	ForgetAll ForgetMode = "all"
	// ForgetUponRequest applies no automatic forgetting; the handler calls
	// Forget explicitly.
	ForgetUponRequest ForgetMode = "upon_request"
)

// Message is one entry of a person's conversation log.
type Message struct {
	ID          string      `json:"id"`
	From        string      `json:"from"` // PersonID, "system" or "user"
	To          *PersonID   `json:"to,omitempty"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
	ExecutionID ExecutionID `json:"execution_id"`
	NodeID      *NodeID     `json:"node_id,omitempty"`
	TokenUsage  *TokenUsage `json:"token_usage,omitempty"`
}
