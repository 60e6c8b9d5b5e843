package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hireloop/agentcore/internal/domain"
)

const scheduleColumns = `user_id, hour_local, minute_local, timezone, channels,
	hour_utc, minute_utc, offset_minutes, cronspec, updated_at`

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		sc       domain.Schedule
		channels []byte
	)
	if err := row.Scan(&sc.UserID, &sc.HourLocal, &sc.MinuteLocal, &sc.Timezone, &channels,
		&sc.HourUTC, &sc.MinuteUTC, &sc.OffsetMinutes, &sc.Cronspec, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &sc.Channels); err != nil {
		return nil, fmt.Errorf("decode schedule channels: %w", err)
	}
	return &sc, nil
}

// UpsertSchedule installs or replaces a user's briefing schedule.
func (s *Store) UpsertSchedule(ctx context.Context, sc *domain.Schedule) error {
	channels, err := json.Marshal(nonNilChannels(sc.Channels))
	if err != nil {
		return fmt.Errorf("UpsertSchedule: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO briefing_schedules (
			user_id, hour_local, minute_local, timezone, channels,
			hour_utc, minute_utc, offset_minutes, cronspec
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			hour_local     = EXCLUDED.hour_local,
			minute_local   = EXCLUDED.minute_local,
			timezone       = EXCLUDED.timezone,
			channels       = EXCLUDED.channels,
			hour_utc       = EXCLUDED.hour_utc,
			minute_utc     = EXCLUDED.minute_utc,
			offset_minutes = EXCLUDED.offset_minutes,
			cronspec       = EXCLUDED.cronspec,
			updated_at     = now()
		RETURNING updated_at`,
		sc.UserID, sc.HourLocal, sc.MinuteLocal, sc.Timezone, channels,
		sc.HourUTC, sc.MinuteUTC, sc.OffsetMinutes, sc.Cronspec,
	).Scan(&sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("UpsertSchedule: %w", err)
	}
	return nil
}

// GetSchedule returns a user's schedule, or nil.
func (s *Store) GetSchedule(ctx context.Context, userID string) (*domain.Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM briefing_schedules WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetSchedule: %w", err)
	}
	return sc, nil
}

// DeleteSchedule removes a schedule. Deleting a missing one is not an error.
func (s *Store) DeleteSchedule(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM briefing_schedules WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("DeleteSchedule: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListSchedules returns every installed schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM briefing_schedules ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("ListSchedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSchedules: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
