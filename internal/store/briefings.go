package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
)

const briefingColumns = `id, user_id, content, briefing_type, generated_at,
	delivered_at, delivered_channels, read_at, schema_version`

func scanBriefing(row rowScanner) (*domain.Briefing, error) {
	var (
		b        domain.Briefing
		content  []byte
		typ      string
		channels []byte
	)
	if err := row.Scan(&b.ID, &b.UserID, &content, &typ, &b.GeneratedAt,
		&b.DeliveredAt, &channels, &b.ReadAt, &b.SchemaVersion); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &b.Content); err != nil {
		return nil, fmt.Errorf("decode briefing content: %w", err)
	}
	if err := json.Unmarshal(channels, &b.DeliveredChannels); err != nil {
		return nil, fmt.Errorf("decode delivered channels: %w", err)
	}
	b.Type = domain.BriefingType(typ)
	return &b, nil
}

// InsertBriefing appends a briefing to the user's history.
func (s *Store) InsertBriefing(ctx context.Context, b *domain.Briefing) error {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return fmt.Errorf("InsertBriefing: %w", err)
	}
	channels, err := json.Marshal(nonNilChannels(b.DeliveredChannels))
	if err != nil {
		return fmt.Errorf("InsertBriefing: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO briefings (
			id, user_id, content, briefing_type, generated_at,
			delivered_channels, schema_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, content, string(b.Type), b.GeneratedAt, channels, b.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("InsertBriefing: %w", err)
	}
	return nil
}

// GetBriefing returns a user's briefing by ID, or nil if not found.
func (s *Store) GetBriefing(ctx context.Context, userID, id string) (*domain.Briefing, error) {
	b, err := scanBriefing(s.db.QueryRowContext(ctx,
		`SELECT `+briefingColumns+` FROM briefings WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetBriefing: %w", err)
	}
	return b, nil
}

// LatestBriefing returns the user's most recent briefing, or nil.
func (s *Store) LatestBriefing(ctx context.Context, userID string) (*domain.Briefing, error) {
	b, err := scanBriefing(s.db.QueryRowContext(ctx, `
		SELECT `+briefingColumns+` FROM briefings
		WHERE user_id = $1
		ORDER BY generated_at DESC
		LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LatestBriefing: %w", err)
	}
	return b, nil
}

// ListBriefings returns a page of the user's history, newest first.
func (s *Store) ListBriefings(ctx context.Context, userID string, limit, offset int) ([]*domain.Briefing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+briefingColumns+` FROM briefings
		WHERE user_id = $1
		ORDER BY generated_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ListBriefings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Briefing
	for rows.Next() {
		b, err := scanBriefing(rows)
		if err != nil {
			return nil, fmt.Errorf("ListBriefings: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBriefings reports how many briefings a user has ever received.
func (s *Store) CountBriefings(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM briefings WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountBriefings: %w", err)
	}
	return n, nil
}

// MarkBriefingDelivered records which channels succeeded.
func (s *Store) MarkBriefingDelivered(ctx context.Context, id string, channels []domain.Channel, at time.Time) error {
	b, err := json.Marshal(nonNilChannels(channels))
	if err != nil {
		return fmt.Errorf("MarkBriefingDelivered: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE briefings SET delivered_at = $2, delivered_channels = $3
		WHERE id = $1`, id, at, b); err != nil {
		return fmt.Errorf("MarkBriefingDelivered: %w", err)
	}
	return nil
}

// MarkBriefingRead sets read_at once; later calls keep the first timestamp.
// Returns nil if the briefing does not exist for the user.
func (s *Store) MarkBriefingRead(ctx context.Context, userID, id string) (*domain.Briefing, error) {
	b, err := scanBriefing(s.db.QueryRowContext(ctx, `
		UPDATE briefings SET read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2
		RETURNING `+briefingColumns, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("MarkBriefingRead: %w", err)
	}
	return b, nil
}

func nonNilChannels(c []domain.Channel) []domain.Channel {
	if c == nil {
		return []domain.Channel{}
	}
	return c
}
