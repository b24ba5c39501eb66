package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/dipeo/dipeo/pkg/models"
)

// ExecutionRow is the persisted form of an execution state. Nested structures
// are stored as JSON text columns; SQLite has no native JSON type worth the
// trouble for this access pattern.
type ExecutionRow struct {
	bun.BaseModel `bun:"table:execution_states"`

	ID          string     `bun:"id,pk"`
	DiagramID   string     `bun:"diagram_id"`
	Status      string     `bun:"status"`
	StartedAt   time.Time  `bun:"started_at"`
	EndedAt     *time.Time `bun:"ended_at"`
	NodeStates  string     `bun:"node_states"`
	NodeOutputs string     `bun:"node_outputs"`
	Variables   string     `bun:"variables"`
	TokenUsage  string     `bun:"token_usage"`
	Error       string     `bun:"error"`
	IsActive    bool       `bun:"is_active"`
}

// MessageRow is one persisted conversation message or spilled payload.
// PersonID is the addressee; FromPersonID is the sender ("system" and "user"
// are pseudo-senders).
type MessageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ID           string    `bun:"id,pk"`
	ExecutionID  string    `bun:"execution_id"`
	NodeID       string    `bun:"node_id"`
	PersonID     string    `bun:"person_id"`
	FromPersonID string    `bun:"from_person_id"`
	Role         string    `bun:"role"`
	Content      string    `bun:"content"`
	TokenUsage   string    `bun:"token_usage"`
	CreatedAt    time.Time `bun:"created_at"`
}

func rowFromState(s *models.ExecutionState) (*ExecutionRow, error) {
	nodeStates, err := json.Marshal(s.NodeStates)
	if err != nil {
		return nil, fmt.Errorf("encoding node states: %w", err)
	}
	nodeOutputs, err := json.Marshal(s.NodeOutputs)
	if err != nil {
		return nil, fmt.Errorf("encoding node outputs: %w", err)
	}
	variables, err := json.Marshal(s.Variables)
	if err != nil {
		return nil, fmt.Errorf("encoding variables: %w", err)
	}
	usage, err := json.Marshal(s.TokenUsage)
	if err != nil {
		return nil, fmt.Errorf("encoding token usage: %w", err)
	}
	return &ExecutionRow{
		ID:          string(s.ID),
		DiagramID:   string(s.DiagramID),
		Status:      string(s.Status),
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		NodeStates:  string(nodeStates),
		NodeOutputs: string(nodeOutputs),
		Variables:   string(variables),
		TokenUsage:  string(usage),
		Error:       s.Error,
		IsActive:    s.IsActive,
	}, nil
}

func stateFromRow(r *ExecutionRow) (*models.ExecutionState, error) {
	s := &models.ExecutionState{
		ID:          models.ExecutionID(r.ID),
		DiagramID:   models.DiagramID(r.DiagramID),
		Status:      models.ExecutionStatus(r.Status),
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		NodeStates:  make(map[models.NodeID]*models.NodeState),
		NodeOutputs: make(map[models.NodeID]*models.Envelope),
		Error:       r.Error,
		IsActive:    r.IsActive,
	}
	if err := json.Unmarshal([]byte(r.NodeStates), &s.NodeStates); err != nil {
		return nil, fmt.Errorf("decoding node states for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.NodeOutputs), &s.NodeOutputs); err != nil {
		return nil, fmt.Errorf("decoding node outputs for %s: %w", r.ID, err)
	}
	if r.Variables != "" {
		if err := json.Unmarshal([]byte(r.Variables), &s.Variables); err != nil {
			return nil, fmt.Errorf("decoding variables for %s: %w", r.ID, err)
		}
	}
	if r.TokenUsage != "" {
		if err := json.Unmarshal([]byte(r.TokenUsage), &s.TokenUsage); err != nil {
			return nil, fmt.Errorf("decoding token usage for %s: %w", r.ID, err)
		}
	}
	return s, nil
}
