package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"go.uber.org/zap"
)

// DefaultExpiry applies to any action without an override.
const DefaultExpiry = 48 * time.Hour

// DefaultExpiries are per-action deadlines. Time-sensitive actions expire
// sooner so a stale approval never submits against a closed posting.
func DefaultExpiries() map[string]time.Duration {
	return map[string]time.Duration{
		"submit_application":   24 * time.Hour,
		"withdraw_application": 12 * time.Hour,
		"send_outreach_email":  48 * time.Hour,
		"schedule_interview":   24 * time.Hour,
	}
}

// Store is the subset of the relational store the queue needs.
type Store interface {
	InsertApproval(ctx context.Context, a *domain.ApprovalItem) error
	GetApproval(ctx context.Context, id string) (*domain.ApprovalItem, error)
	DecideApproval(ctx context.Context, id, userID string, status domain.ApprovalStatus, reason *string) (*domain.ApprovalItem, error)
	ConsumeApproval(ctx context.Context, id, userID string) (*domain.ApprovalItem, error)
	RepauseApproval(ctx context.Context, id, userID string) (*domain.ApprovalItem, error)
	ExpireApprovals(ctx context.Context) (int64, error)
	TransitionApprovals(ctx context.Context, userID string, from, to domain.ApprovalStatus) (int64, error)
	ListApprovals(ctx context.Context, userID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalItem, error)
}

// Emitter records activity events.
type Emitter interface {
	Emit(ctx context.Context, in activity.Input) (*domain.Activity, error)
}

// Config configures a Service.
type Config struct {
	Store    Store
	Enqueuer queue.Enqueuer
	Emitter  Emitter
	Logger   *zap.Logger
	Expiries map[string]time.Duration // nil uses DefaultExpiries
}

// Service is the durable holding area for write actions awaiting a
// tier-2 user's decision.
type Service struct {
	store    Store
	enq      queue.Enqueuer
	emit     Emitter
	logger   *zap.Logger
	expiries map[string]time.Duration
	now      func() time.Time
}

func NewService(cfg Config) *Service {
	exp := cfg.Expiries
	if exp == nil {
		exp = DefaultExpiries()
	}
	return &Service{
		store:    cfg.Store,
		enq:      cfg.Enqueuer,
		emit:     cfg.Emitter,
		logger:   cfg.Logger,
		expiries: exp,
		now:      time.Now,
	}
}

// ExpiryFor returns how long an approval for action stays pending.
func (s *Service) ExpiryFor(action string) time.Duration {
	if d, ok := s.expiries[action]; ok && d > 0 {
		return d
	}
	return DefaultExpiry
}

// CreateParams describes an intercepted write action.
type CreateParams struct {
	UserID     string
	AgentType  string
	ActionName string
	Payload    json.RawMessage
	Rationale  *string
	Confidence *float64
}

// Create persists a pending item and emits an action-required event.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.ApprovalItem, error) {
	now := s.now().UTC()
	item := &domain.ApprovalItem{
		ID:         uuid.New().String(),
		UserID:     p.UserID,
		AgentType:  p.AgentType,
		ActionName: p.ActionName,
		Payload:    p.Payload,
		Status:     domain.ApprovalPending,
		Rationale:  p.Rationale,
		Confidence: p.Confidence,
		ExpiresAt:  now.Add(s.ExpiryFor(p.ActionName)),
		CreatedAt:  now,
	}
	if err := s.store.InsertApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("approval.Create: %w", err)
	}

	s.emitBestEffort(ctx, activity.Input{
		UserID:    p.UserID,
		EventType: domain.EventApprovalCreated,
		AgentType: p.AgentType,
		Title:     "Approval needed: " + humanize(p.ActionName),
		Severity:  domain.SeverityActionRequired,
		Data: map[string]any{
			"approval_id": item.ID,
			"action_name": item.ActionName,
			"expires_at":  item.ExpiresAt,
		},
	})
	return item, nil
}

// Approve records the user's approval and schedules exactly one execution.
// Approving an item that is no longer pending returns domain.ErrNotPending.
func (s *Service) Approve(ctx context.Context, userID, id string, reason *string) (*domain.ApprovalItem, error) {
	item, err := s.store.DecideApproval(ctx, id, userID, domain.ApprovalApproved, reason)
	if err != nil {
		return nil, fmt.Errorf("approval.Approve: %w", err)
	}

	s.emitDecision(ctx, item)

	_, err = s.enq.Enqueue(ctx, queue.LaneAgents, queue.TypeApprovalExecute,
		queue.ApprovalPayload{UserID: userID, ApprovalID: item.ID},
		queue.Options{MaxRetry: 3, Timeout: 5 * time.Minute, TaskID: ExecuteTaskID(item.ID)},
	)
	if err != nil {
		return item, fmt.Errorf("approval.Approve: enqueue execution: %w", err)
	}
	return item, nil
}

// ExecuteTaskID is the dedupe key for an approval's execution task.
func ExecuteTaskID(approvalID string) string {
	return "approval-execute:" + approvalID
}

// Reject records the user's rejection.
func (s *Service) Reject(ctx context.Context, userID, id string, reason *string) (*domain.ApprovalItem, error) {
	item, err := s.store.DecideApproval(ctx, id, userID, domain.ApprovalRejected, reason)
	if err != nil {
		return nil, fmt.Errorf("approval.Reject: %w", err)
	}
	s.emitDecision(ctx, item)
	return item, nil
}

// Consume spends an approved item. Of any number of callers exactly one
// gets the item back; the rest get domain.ErrNotPending.
func (s *Service) Consume(ctx context.Context, userID, id string) (*domain.ApprovalItem, error) {
	item, err := s.store.ConsumeApproval(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("approval.Consume: %w", err)
	}
	return item, nil
}

// Repause parks an approved item whose execution was refused by the brake.
// ResumeAll later returns it to pending for a fresh decision.
func (s *Service) Repause(ctx context.Context, userID, id string) (*domain.ApprovalItem, error) {
	item, err := s.store.RepauseApproval(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("approval.Repause: %w", err)
	}
	s.logger.Info("approved item paused by brake",
		zap.String("user_id", userID),
		zap.String("approval_id", id),
	)
	return item, nil
}

// ExpireSweep silently expires every pending item past its deadline.
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("approval.ExpireSweep: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired approvals", zap.Int64("count", n))
	}
	return n, nil
}

// PauseAll parks a user's pending items while the brake is on.
func (s *Service) PauseAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.TransitionApprovals(ctx, userID, domain.ApprovalPending, domain.ApprovalPaused)
	if err != nil {
		return 0, fmt.Errorf("approval.PauseAll: %w", err)
	}
	return n, nil
}

// ResumeAll returns paused items to pending. They are never auto-decided.
func (s *Service) ResumeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.TransitionApprovals(ctx, userID, domain.ApprovalPaused, domain.ApprovalPending)
	if err != nil {
		return 0, fmt.Errorf("approval.ResumeAll: %w", err)
	}
	return n, nil
}

// Get returns a user's item or domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.ApprovalItem, error) {
	item, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("approval.Get: %w", err)
	}
	if item == nil || item.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, userID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.store.ListApprovals(ctx, userID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("approval.List: %w", err)
	}
	return items, nil
}

func (s *Service) emitDecision(ctx context.Context, item *domain.ApprovalItem) {
	s.emitBestEffort(ctx, activity.Input{
		UserID:    item.UserID,
		EventType: domain.EventApprovalDecided,
		AgentType: item.AgentType,
		Title:     fmt.Sprintf("%s %s", humanize(item.ActionName), item.Status),
		Severity:  domain.SeverityInfo,
		Data: map[string]any{
			"approval_id": item.ID,
			"status":      string(item.Status),
		},
	})
}

func (s *Service) emitBestEffort(ctx context.Context, in activity.Input) {
	if s.emit == nil {
		return
	}
	if _, err := s.emit.Emit(ctx, in); err != nil {
		s.logger.Warn("approval activity emit failed",
			zap.String("user_id", in.UserID),
			zap.String("event_type", in.EventType),
			zap.Error(err),
		)
	}
}

func humanize(action string) string {
	out := []byte(action)
	for i, c := range out {
		if c == '_' {
			out[i] = ' '
		}
	}
	return string(out)
}
