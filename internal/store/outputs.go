package store

import (
	"context"
	"fmt"

	"github.com/hireloop/agentcore/internal/domain"
)

// InsertAgentOutput appends one output row. There is intentionally no update
// or delete method for this table.
func (s *Store) InsertAgentOutput(ctx context.Context, o *domain.AgentOutput) error {
	result := o.Result
	if len(result) == 0 {
		result = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_outputs (
			id, user_id, agent_type, task_id, action_disposition, action_name,
			result, rationale, confidence, schema_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		o.ID, o.UserID, o.AgentType, o.TaskID, string(o.Action.Disposition), o.Action.Name,
		[]byte(result), o.Rationale, o.Confidence, o.SchemaVersion,
	).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("InsertAgentOutput: %w", err)
	}
	return nil
}

// ListAgentOutputs returns a user's most recent outputs, newest first.
func (s *Store) ListAgentOutputs(ctx context.Context, userID string, limit int) ([]*domain.AgentOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_type, task_id, action_disposition, action_name,
		       result, rationale, confidence, schema_version, created_at
		FROM agent_outputs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListAgentOutputs: %w", err)
	}
	defer rows.Close()

	var outputs []*domain.AgentOutput
	for rows.Next() {
		var (
			o           domain.AgentOutput
			disposition string
			result      []byte
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.AgentType, &o.TaskID, &disposition, &o.Action.Name,
			&result, &o.Rationale, &o.Confidence, &o.SchemaVersion, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListAgentOutputs: %w", err)
		}
		o.Action.Disposition = domain.Disposition(disposition)
		o.Result = result
		outputs = append(outputs, &o)
	}
	return outputs, rows.Err()
}
