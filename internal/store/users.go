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

// GetPreferences returns the user's autonomy and briefing settings, or nil.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error) {
	var (
		p        domain.Preferences
		tier     int
		channels []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT p.user_id, p.autonomy_tier, p.briefing_hour, p.briefing_minute,
		       p.timezone, p.briefing_channels, u.email
		FROM user_preferences p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1`, userID,
	).Scan(&p.UserID, &tier, &p.BriefingHour, &p.BriefingMinute, &p.Timezone, &channels, &p.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPreferences: %w", err)
	}
	p.Tier = domain.AutonomyTier(tier)

	var names []string
	if err := json.Unmarshal(channels, &names); err != nil {
		return nil, fmt.Errorf("GetPreferences: %w", err)
	}
	p.Channels = domain.ParseChannels(names)
	return &p, nil
}

// UpdateBriefingSettings persists the briefing delivery configuration.
func (s *Store) UpdateBriefingSettings(ctx context.Context, userID string, hour, minute int, tz string, channels []domain.Channel) error {
	b, err := json.Marshal(nonNilChannels(channels))
	if err != nil {
		return fmt.Errorf("UpdateBriefingSettings: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_preferences SET
			briefing_hour     = $2,
			briefing_minute   = $3,
			timezone          = $4,
			briefing_channels = $5,
			updated_at        = now()
		WHERE user_id = $1`, userID, hour, minute, tz, b)
	if err != nil {
		return fmt.Errorf("UpdateBriefingSettings: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetProfile returns the user's parsed profile document, or nil.
func (s *Store) GetProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM user_preferences WHERE user_id = $1`, userID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetProfile: %w", err)
	}
	return b, nil
}

// InactiveScheduledUsers lists users that still own a briefing schedule but
// are deactivated or gone.
func (s *Store) InactiveScheduledUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.user_id
		FROM briefing_schedules s
		LEFT JOIN users u ON u.id = s.user_id
		WHERE u.id IS NULL OR NOT u.is_active`)
	if err != nil {
		return nil, fmt.Errorf("InactiveScheduledUsers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("InactiveScheduledUsers: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentMatches returns job matches created after since, best first.
func (s *Store) RecentMatches(ctx context.Context, userID string, since time.Time, limit int) ([]domain.MatchItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, title, company, score, reason
		FROM job_matches
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY score DESC, created_at DESC
		LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("RecentMatches: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchItem
	for rows.Next() {
		var m domain.MatchItem
		if err := rows.Scan(&m.JobID, &m.Title, &m.Company, &m.Score, &m.Reason); err != nil {
			return nil, fmt.Errorf("RecentMatches: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ApplicationChange is one application whose status moved recently.
type ApplicationChange struct {
	JobTitle  string    `json:"job_title"`
	Company   string    `json:"company"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplicationChanges returns applications updated after since.
func (s *Store) ApplicationChanges(ctx context.Context, userID string, since time.Time) ([]ApplicationChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_title, company, status, updated_at
		FROM applications
		WHERE user_id = $1 AND updated_at >= $2
		ORDER BY updated_at DESC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("ApplicationChanges: %w", err)
	}
	defer rows.Close()

	var out []ApplicationChange
	for rows.Next() {
		var c ApplicationChange
		if err := rows.Scan(&c.JobTitle, &c.Company, &c.Status, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ApplicationChanges: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
