package brake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/hireloop/agentcore/internal/storage"
	"go.uber.org/zap"
)

// DefaultVerifyDelay is how long in-flight work gets to reach a step
// boundary before the brake checks whether it actually stopped.
const DefaultVerifyDelay = 30 * time.Second

// PermanentAfter is how long a brake may stay engaged before its owner is
// treated as permanently paused for housekeeping.
const PermanentAfter = 30 * 24 * time.Hour

const (
	fieldState       = "state"
	fieldActivatedAt = "activated_at"
	fieldStuckTasks  = "stuck_task_ids"
)

// Flags is the coordination-store surface the controller needs.
type Flags interface {
	SetNXWithHash(ctx context.Context, key, value, hashKey string, fields map[string]string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	CompareAndSwap(ctx context.Context, key, field, expect string, fields map[string]string) (bool, error)
	DelIfField(ctx context.Context, key, field, expect string, extra ...string) (bool, error)
}

// Approvals pauses and resumes a user's pending approval items.
type Approvals interface {
	PauseAll(ctx context.Context, userID string) (int64, error)
	ResumeAll(ctx context.Context, userID string) (int64, error)
}

// TaskInspector lists a user's tasks still executing on the worker pool.
type TaskInspector interface {
	RunningTaskIDs(ctx context.Context, userID string) ([]string, error)
}

// Emitter records activity events.
type Emitter interface {
	Emit(ctx context.Context, in activity.Input) (*domain.Activity, error)
}

// Config configures a Controller.
type Config struct {
	Flags       Flags
	Approvals   Approvals
	Inspector   TaskInspector
	Enqueuer    queue.Enqueuer
	Emitter     Emitter
	Sink        storage.EventWriter
	Logger      *zap.Logger
	VerifyDelay time.Duration
}

// Controller owns the per-user emergency brake state machine:
//
//	RUNNING -> PAUSING -> PAUSED | PARTIAL -> RESUMING -> RUNNING
//
// The pause flag is the single source of truth for IsActive; the state
// hash records progress through the machine.
type Controller struct {
	flags       Flags
	approvals   Approvals
	inspector   TaskInspector
	enq         queue.Enqueuer
	emit        Emitter
	sink        storage.EventWriter
	logger      *zap.Logger
	verifyDelay time.Duration
	now         func() time.Time
}

func NewController(cfg Config) *Controller {
	delay := cfg.VerifyDelay
	if delay <= 0 {
		delay = DefaultVerifyDelay
	}
	return &Controller{
		flags:       cfg.Flags,
		approvals:   cfg.Approvals,
		inspector:   cfg.Inspector,
		enq:         cfg.Enqueuer,
		emit:        cfg.Emitter,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		verifyDelay: delay,
		now:         time.Now,
	}
}

// IsActive is the per-step check: one EXISTS on the user's pause flag.
func (c *Controller) IsActive(ctx context.Context, userID string) (bool, error) {
	return c.flags.Exists(ctx, coord.PauseKey(userID))
}

// Status reads the user's brake record. No flag means RUNNING.
func (c *Controller) Status(ctx context.Context, userID string) (domain.BrakeStatus, error) {
	active, err := c.IsActive(ctx, userID)
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.Status: %w", err)
	}
	if !active {
		return domain.BrakeStatus{UserID: userID, State: domain.BrakeRunning}, nil
	}
	fields, err := c.flags.HGetAll(ctx, coord.BrakeKey(userID))
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.Status: %w", err)
	}
	return decodeStatus(userID, fields), nil
}

// Activate engages the brake. The flag and the PAUSING record are written in
// one atomic step; if the flag already exists the call is a no-op.
func (c *Controller) Activate(ctx context.Context, userID string) (domain.BrakeStatus, error) {
	now := c.now().UTC()
	ts := now.Format(time.RFC3339Nano)

	created, err := c.flags.SetNXWithHash(ctx, coord.PauseKey(userID), ts, coord.BrakeKey(userID), map[string]string{
		fieldState:       string(domain.BrakePausing),
		fieldActivatedAt: ts,
		fieldStuckTasks:  "[]",
	})
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.Activate: %w", err)
	}
	if !created {
		c.logger.Debug("brake already active", zap.String("user_id", userID))
		return c.Status(ctx, userID)
	}

	c.logger.Info("brake activated", zap.String("user_id", userID))

	if n, err := c.approvals.PauseAll(ctx, userID); err != nil {
		c.logger.Error("failed to pause approvals",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else if n > 0 {
		c.logger.Info("approvals paused", zap.String("user_id", userID), zap.Int64("count", n))
	}

	c.record(ctx, userID, domain.EventBrakeActivated, "Emergency brake activated", domain.SeverityInfo, domain.BrakePausing, nil)

	_, err = c.enq.Enqueue(ctx, queue.LaneControl, queue.TypeBrakeVerify,
		queue.BrakeVerifyPayload{UserID: userID},
		queue.Options{
			MaxRetry:  5,
			Timeout:   30 * time.Second,
			ProcessIn: c.verifyDelay,
			TaskID:    VerifyTaskID(userID, now),
		},
	)
	if err != nil {
		// State stays PAUSING; `agentctl brake verify` settles it by hand.
		c.logger.Error("failed to schedule brake verification",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	return domain.BrakeStatus{UserID: userID, State: domain.BrakePausing, ActivatedAt: &now}, nil
}

// VerifyTaskID dedupes redelivery of one activation's verification.
func VerifyTaskID(userID string, activatedAt time.Time) string {
	return "brake-verify:" + userID + ":" + strconv.FormatInt(activatedAt.UnixNano(), 10)
}

// VerifyCompletion settles a PAUSING brake into PAUSED, or PARTIAL when some
// of the user's tasks are still executing. Any other state is left alone.
func (c *Controller) VerifyCompletion(ctx context.Context, userID string) (domain.BrakeStatus, error) {
	st, err := c.Status(ctx, userID)
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.VerifyCompletion: %w", err)
	}
	if st.State != domain.BrakePausing {
		return st, nil
	}

	stuck, err := c.inspector.RunningTaskIDs(ctx, userID)
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.VerifyCompletion: %w", err)
	}

	target := domain.BrakePaused
	if len(stuck) > 0 {
		target = domain.BrakePartial
	}
	stuckJSON, _ := json.Marshal(nonNil(stuck))

	swapped, err := c.flags.CompareAndSwap(ctx, coord.BrakeKey(userID), fieldState, string(domain.BrakePausing), map[string]string{
		fieldState:      string(target),
		fieldStuckTasks: string(stuckJSON),
	})
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.VerifyCompletion: %w", err)
	}
	if !swapped {
		return c.Status(ctx, userID)
	}

	if target == domain.BrakePaused {
		c.logger.Info("brake verified", zap.String("user_id", userID))
		c.record(ctx, userID, domain.EventBrakeVerified, "All agent activity paused", domain.SeverityInfo, target, nil)
	} else {
		c.logger.Warn("brake partial, tasks still running",
			zap.String("user_id", userID),
			zap.Strings("stuck_task_ids", stuck),
		)
		c.record(ctx, userID, domain.EventBrakePartial,
			fmt.Sprintf("Paused; %d task(s) were mid-step and will stop at their next step", len(stuck)),
			domain.SeverityWarning, target, map[string]any{"stuck_task_ids": stuck})
	}

	st.State = target
	st.StuckTaskIDs = stuck
	return st, nil
}

// Resume releases a settled brake. RUNNING is a no-op; PAUSING and
// RESUMING are rejected with domain.ErrInvalidTransition.
func (c *Controller) Resume(ctx context.Context, userID string) (domain.BrakeStatus, error) {
	st, err := c.Status(ctx, userID)
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.Resume: %w", err)
	}
	switch st.State {
	case domain.BrakeRunning:
		return st, nil
	case domain.BrakePaused, domain.BrakePartial:
	default:
		return st, fmt.Errorf("brake.Resume from %s: %w", st.State, domain.ErrInvalidTransition)
	}

	swapped, err := c.flags.CompareAndSwap(ctx, coord.BrakeKey(userID), fieldState, string(st.State), map[string]string{
		fieldState: string(domain.BrakeResuming),
	})
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.Resume: %w", err)
	}
	if !swapped {
		cur, _ := c.Status(ctx, userID)
		if cur.State == domain.BrakeRunning {
			return cur, nil
		}
		return cur, fmt.Errorf("brake.Resume: state changed concurrently: %w", domain.ErrInvalidTransition)
	}

	// Flag and record go together, so an Activate that lands afterwards
	// starts a clean cycle.
	cleared, err := c.flags.DelIfField(ctx, coord.BrakeKey(userID), fieldState, string(domain.BrakeResuming), coord.PauseKey(userID))
	if err != nil {
		return domain.BrakeStatus{}, fmt.Errorf("brake.Resume: %w", err)
	}
	if !cleared {
		cur, _ := c.Status(ctx, userID)
		return cur, fmt.Errorf("brake.Resume: state changed concurrently: %w", domain.ErrInvalidTransition)
	}

	if _, err := c.approvals.ResumeAll(ctx, userID); err != nil {
		c.logger.Error("failed to resume approvals",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	c.record(ctx, userID, domain.EventBrakeResumed, "Agents resumed", domain.SeverityInfo, domain.BrakeRunning, nil)

	c.logger.Info("brake resumed", zap.String("user_id", userID))
	return domain.BrakeStatus{UserID: userID, State: domain.BrakeRunning}, nil
}

// IsPermanent reports whether a brake has been engaged longer than threshold.
func IsPermanent(st domain.BrakeStatus, now time.Time, threshold time.Duration) bool {
	if st.State == domain.BrakeRunning || st.ActivatedAt == nil {
		return false
	}
	return now.Sub(*st.ActivatedAt) > threshold
}

func (c *Controller) record(ctx context.Context, userID, eventType, title string, sev domain.Severity, state domain.BrakeState, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["state"] = string(state)

	if c.emit != nil {
		if _, err := c.emit.Emit(ctx, activity.Input{
			UserID:    userID,
			EventType: eventType,
			Title:     title,
			Severity:  sev,
			Data:      data,
		}); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("brake activity emit failed",
				zap.String("user_id", userID),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}

	if c.sink != nil {
		c.sink.Write(&storage.ControlEvent{
			EventID:   uuid.New().String(),
			Timestamp: c.now().UTC(),
			Kind:      storage.KindBrake,
			UserID:    userID,
			EventType: eventType,
			Severity:  string(sev),
			Decision:  string(state),
			Title:     title,
		})
	}
}

func decodeStatus(userID string, fields map[string]string) domain.BrakeStatus {
	st := domain.BrakeStatus{UserID: userID, State: domain.BrakeState(fields[fieldState])}
	if st.State == "" {
		// Flag without a record: activation is the only writer of the flag.
		st.State = domain.BrakePausing
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldActivatedAt]); err == nil {
		st.ActivatedAt = &ts
	}
	if raw := fields[fieldStuckTasks]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &st.StuckTaskIDs)
	}
	return st
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
