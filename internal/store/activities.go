package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
)

// InsertActivity writes one activity feed row.
func (s *Store) InsertActivity(ctx context.Context, a *domain.Activity) error {
	data := a.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("InsertActivity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_activities (id, user_id, event_type, agent_type, title, severity, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.EventType, a.AgentType, a.Title, string(a.Severity), b, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertActivity: %w", err)
	}
	return nil
}

// ActivityFilter narrows a feed query. Zero values mean no filter.
type ActivityFilter struct {
	Since    time.Time
	Severity domain.Severity
	Limit    int
}

// ListActivities returns a user's feed rows newest first.
func (s *Store) ListActivities(ctx context.Context, userID string, f ActivityFilter) ([]*domain.Activity, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, agent_type, title, severity, data, created_at
		FROM agent_activities
		WHERE user_id = $1
		  AND created_at >= $2
		  AND ($3 = '' OR severity = $3)
		ORDER BY created_at DESC
		LIMIT $4`, userID, f.Since, string(f.Severity), limit)
	if err != nil {
		return nil, fmt.Errorf("ListActivities: %w", err)
	}
	defer rows.Close()

	var out []*domain.Activity
	for rows.Next() {
		var (
			a        domain.Activity
			severity string
			data     []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.EventType, &a.AgentType, &a.Title,
			&severity, &data, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListActivities: %w", err)
		}
		a.Severity = domain.Severity(severity)
		if err := json.Unmarshal(data, &a.Data); err != nil {
			return nil, fmt.Errorf("ListActivities: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
