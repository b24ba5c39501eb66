// Package state implements the durable execution state registry: a SQLite
// store fronted by an in-memory cache of active executions, with a single
// writer goroutine serialising all mutations.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/dipeo/dipeo/pkg/models"
)

// SQLStore is the bun-backed persistence layer. It is not safe for concurrent
// writes by itself; the Registry funnels all writes through one goroutine.
type SQLStore struct {
	db *bun.DB
}

// NewSQLStore wraps a bun DB.
func NewSQLStore(db *bun.DB) *SQLStore {
	return &SQLStore{db: db}
}

// UpsertExecution inserts or replaces the persisted form of an execution.
func (s *SQLStore) UpsertExecution(ctx context.Context, st *models.ExecutionState) error {
	row, err := rowFromState(st)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("ended_at = EXCLUDED.ended_at").
		Set("node_states = EXCLUDED.node_states").
		Set("node_outputs = EXCLUDED.node_outputs").
		Set("variables = EXCLUDED.variables").
		Set("token_usage = EXCLUDED.token_usage").
		Set("error = EXCLUDED.error").
		Set("is_active = EXCLUDED.is_active").
		Exec(ctx)
	return err
}

// GetExecution loads one execution, or a NotFound error.
func (s *SQLStore) GetExecution(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	row := new(ExecutionRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", string(id)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return stateFromRow(row)
}

// ListExecutions returns executions matching the filter, most recent first.
func (s *SQLStore) ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]*models.ExecutionState, error) {
	var rows []*ExecutionRow
	q := s.db.NewSelect().Model(&rows).Order("started_at DESC")
	if f.DiagramID != "" {
		q = q.Where("diagram_id = ?", string(f.DiagramID))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*models.ExecutionState, 0, len(rows))
	for _, row := range rows {
		st, err := stateFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// DeleteBefore removes inactive executions that ended before the cutoff.
// Messages go with them via the foreign key cascade.
func (s *SQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*ExecutionRow)(nil)).
		Where("is_active = ?", false).
		Where("ended_at IS NOT NULL").
		Where("ended_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveMessage persists one conversation message.
func (s *SQLStore) SaveMessage(ctx context.Context, msg models.Message) error {
	person := ""
	if msg.To != nil {
		person = string(*msg.To)
	}
	nodeID := ""
	if msg.NodeID != nil {
		nodeID = string(*msg.NodeID)
	}
	usage := ""
	if msg.TokenUsage != nil {
		b, err := json.Marshal(msg.TokenUsage)
		if err != nil {
			return fmt.Errorf("encoding token usage for message %s: %w", msg.ID, err)
		}
		usage = string(b)
	}
	row := &MessageRow{
		ID:           msg.ID,
		ExecutionID:  string(msg.ExecutionID),
		NodeID:       nodeID,
		PersonID:     person,
		FromPersonID: msg.From,
		Role:         string(msg.Role),
		Content:      msg.Content,
		TokenUsage:   usage,
		CreatedAt:    msg.Timestamp,
	}
	_, err := s.db.NewInsert().Model(row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	return err
}

// SavePayload stores a spilled envelope body and returns its row id.
func (s *SQLStore) SavePayload(ctx context.Context, execID models.ExecutionID, nodeID models.NodeID, id, content string) error {
	row := &MessageRow{
		ID:          id,
		ExecutionID: string(execID),
		NodeID:      string(nodeID),
		Role:        payloadRole,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	return err
}

// LoadPayload fetches a spilled envelope body by row id.
func (s *SQLStore) LoadPayload(ctx context.Context, id string) (string, error) {
	row := new(MessageRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.NewError(models.KindNotFound, "payload %s not found", id)
	}
	if err != nil {
		return "", err
	}
	return row.Content, nil
}

// ListMessages returns the persisted messages of one execution in insertion
// order, excluding spilled payload rows.
func (s *SQLStore) ListMessages(ctx context.Context, execID models.ExecutionID) ([]models.Message, error) {
	var rows []*MessageRow
	err := s.db.NewSelect().Model(&rows).
		Where("execution_id = ?", string(execID)).
		Where("role != ?", payloadRole).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		m := models.Message{
			ID:          r.ID,
			From:        r.FromPersonID,
			Role:        models.MessageRole(r.Role),
			Content:     r.Content,
			Timestamp:   r.CreatedAt,
			ExecutionID: models.ExecutionID(r.ExecutionID),
		}
		if r.PersonID != "" {
			p := models.PersonID(r.PersonID)
			m.To = &p
		}
		if r.NodeID != "" {
			n := models.NodeID(r.NodeID)
			m.NodeID = &n
		}
		if r.TokenUsage != "" {
			var u models.TokenUsage
			if err := json.Unmarshal([]byte(r.TokenUsage), &u); err != nil {
				return nil, fmt.Errorf("decoding token usage for message %s: %w", r.ID, err)
			}
			m.TokenUsage = &u
		}
		out = append(out, m)
	}
	return out, nil
}

// payloadRole marks message rows that hold spilled envelope bodies rather
// than conversation content.
const payloadRole = "payload"
