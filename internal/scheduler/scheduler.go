package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hireloop/agentcore/internal/brake"
	"github.com/hireloop/agentcore/internal/domain"
	"go.uber.org/zap"
)

// ErrInvalidSchedule is returned for an out-of-range time or unknown zone.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Store persists briefing schedules.
type Store interface {
	UpsertSchedule(ctx context.Context, sc *domain.Schedule) error
	GetSchedule(ctx context.Context, userID string) (*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, userID string) (bool, error)
	ListSchedules(ctx context.Context) ([]*domain.Schedule, error)
	InactiveScheduledUsers(ctx context.Context) ([]string, error)
}

// BrakeStatus reads a user's brake record.
type BrakeStatus interface {
	Status(ctx context.Context, userID string) (domain.BrakeStatus, error)
}

// Scheduler owns per-user briefing triggers.
//
// Trigger times are frozen to the zone's UTC offset when the schedule is
// written. Across a daylight-saving change the trigger drifts by the
// offset delta until CorrectOffsets runs.
type Scheduler struct {
	store     Store
	brake     BrakeStatus
	logger    *zap.Logger
	permanent time.Duration
	now       func() time.Time
}

func New(store Store, brakes BrakeStatus, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		brake:     brakes,
		logger:    logger,
		permanent: brake.PermanentAfter,
		now:       time.Now,
	}
}

// CreateOrUpdateSchedule installs or replaces the user's daily trigger at
// hour:minute in tz.
func (s *Scheduler) CreateOrUpdateSchedule(ctx context.Context, userID string, hour, minute int, tz string, channels []domain.Channel) (*domain.Schedule, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("%w: time %02d:%02d out of range", ErrInvalidSchedule, hour, minute)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, tz)
	}

	sc := &domain.Schedule{
		UserID:      userID,
		HourLocal:   hour,
		MinuteLocal: minute,
		Timezone:    tz,
		Channels:    channels,
	}
	freeze(sc, loc, s.now())

	if err := s.store.UpsertSchedule(ctx, sc); err != nil {
		return nil, fmt.Errorf("CreateOrUpdateSchedule: %w", err)
	}
	s.logger.Info("briefing schedule installed",
		zap.String("user_id", userID),
		zap.String("timezone", tz),
		zap.String("cronspec", sc.Cronspec),
		zap.Int("offset_minutes", sc.OffsetMinutes),
	)
	return sc, nil
}

// RemoveSchedule deletes the user's trigger. Removing a missing schedule
// is not an error.
func (s *Scheduler) RemoveSchedule(ctx context.Context, userID string) error {
	removed, err := s.store.DeleteSchedule(ctx, userID)
	if err != nil {
		return fmt.Errorf("RemoveSchedule: %w", err)
	}
	if removed {
		s.logger.Info("briefing schedule removed", zap.String("user_id", userID))
	}
	return nil
}

// Sweep removes schedules owned by deactivated users and by users whose
// brake has been engaged for longer than the permanent threshold.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	inactive, err := s.store.InactiveScheduledUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("Sweep: %w", err)
	}
	removed := 0
	for _, id := range inactive {
		if err := s.RemoveSchedule(ctx, id); err != nil {
			return removed, fmt.Errorf("Sweep: %w", err)
		}
		removed++
	}

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return removed, fmt.Errorf("Sweep: %w", err)
	}
	now := s.now()
	for _, sc := range schedules {
		st, err := s.brake.Status(ctx, sc.UserID)
		if err != nil {
			s.logger.Warn("sweep: brake status unavailable", zap.String("user_id", sc.UserID), zap.Error(err))
			continue
		}
		if !brake.IsPermanent(st, now, s.permanent) {
			continue
		}
		if err := s.RemoveSchedule(ctx, sc.UserID); err != nil {
			return removed, fmt.Errorf("Sweep: %w", err)
		}
		removed++
	}

	s.logger.Info("schedule sweep complete", zap.Int("removed", removed))
	return removed, nil
}

// CorrectOffsets re-freezes every schedule whose zone offset has changed
// since it was written, keeping the local trigger time stable across
// daylight-saving transitions.
func (s *Scheduler) CorrectOffsets(ctx context.Context) (int, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("CorrectOffsets: %w", err)
	}
	now := s.now()
	fixed := 0
	for _, sc := range schedules {
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			s.logger.Warn("schedule has unknown timezone", zap.String("user_id", sc.UserID), zap.String("timezone", sc.Timezone))
			continue
		}
		prev := sc.OffsetMinutes
		freeze(sc, loc, now)
		if sc.OffsetMinutes == prev {
			continue
		}
		if err := s.store.UpsertSchedule(ctx, sc); err != nil {
			return fixed, fmt.Errorf("CorrectOffsets: %w", err)
		}
		fixed++
		s.logger.Info("schedule offset corrected",
			zap.String("user_id", sc.UserID),
			zap.Int("from_minutes", prev),
			zap.Int("to_minutes", sc.OffsetMinutes),
			zap.String("cronspec", sc.Cronspec),
		)
	}
	return fixed, nil
}

// freeze converts the local trigger time to UTC using loc's offset on the
// local date of at, and sets the cronspec.
func freeze(sc *domain.Schedule, loc *time.Location, at time.Time) {
	y, m, d := at.In(loc).Date()
	local := time.Date(y, m, d, sc.HourLocal, sc.MinuteLocal, 0, 0, loc)
	_, offset := local.Zone()
	utc := local.UTC()

	sc.HourUTC = utc.Hour()
	sc.MinuteUTC = utc.Minute()
	sc.OffsetMinutes = offset / 60
	sc.Cronspec = Cronspec(sc.HourUTC, sc.MinuteUTC)
}

// Cronspec is the daily cron expression for a UTC time.
func Cronspec(hourUTC, minuteUTC int) string {
	return fmt.Sprintf("%d %d * * *", minuteUTC, hourUTC)
}
