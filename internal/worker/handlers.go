package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/hireloop/agentcore/internal/agents"
	"github.com/hireloop/agentcore/internal/briefing"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/hireloop/agentcore/internal/runtime"
	"go.uber.org/zap"
)

// Runner is the agent runtime surface the worker drives.
type Runner interface {
	Run(ctx context.Context, userID string, in runtime.TaskInput) (*runtime.Outcome, error)
	RunApproved(ctx context.Context, item *domain.ApprovalItem) (*runtime.Outcome, error)
}

// BrakeVerifier settles a PAUSING brake.
type BrakeVerifier interface {
	VerifyCompletion(ctx context.Context, userID string) (domain.BrakeStatus, error)
}

// Approvals loads approved items, parks the ones the brake refused and
// expires stale ones.
type Approvals interface {
	Get(ctx context.Context, userID, id string) (*domain.ApprovalItem, error)
	Repause(ctx context.Context, userID, id string) (*domain.ApprovalItem, error)
	ExpireSweep(ctx context.Context) (int64, error)
}

// Schedules runs schedule housekeeping.
type Schedules interface {
	Sweep(ctx context.Context) (int, error)
	CorrectOffsets(ctx context.Context) (int, error)
}

// Handlers processes every task type on the worker pool.
type Handlers struct {
	runner    Runner
	brake     BrakeVerifier
	approvals Approvals
	schedules Schedules
	logger    *zap.Logger
}

func NewHandlers(runner Runner, brake BrakeVerifier, approvals Approvals, schedules Schedules, logger *zap.Logger) *Handlers {
	return &Handlers{runner: runner, brake: brake, approvals: approvals, schedules: schedules, logger: logger}
}

// Register installs every handler on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeAgentRun, h.HandleAgentRun)
	mux.HandleFunc(queue.TypeBriefingGenerate, h.HandleBriefing)
	mux.HandleFunc(queue.TypeApprovalExecute, h.HandleApprovalExecute)
	mux.HandleFunc(queue.TypeBrakeVerify, h.HandleBrakeVerify)
	mux.HandleFunc(queue.TypeApprovalSweep, h.HandleApprovalSweep)
	mux.HandleFunc(queue.TypeScheduleSweep, h.HandleScheduleSweep)
	mux.HandleFunc(queue.TypeScheduleDST, h.HandleScheduleDST)
}

func (h *Handlers) HandleAgentRun(ctx context.Context, t *asynq.Task) error {
	var p queue.AgentRunPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.run(ctx, p.UserID, runtime.TaskInput{
		AgentType: p.AgentType,
		TaskID:    taskID(ctx),
		Kind:      p.TaskKind,
		Payload:   p.Input,
	})
}

func (h *Handlers) HandleBriefing(ctx context.Context, t *asynq.Task) error {
	var p queue.BriefingPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.run(ctx, p.UserID, runtime.TaskInput{
		AgentType: briefing.AgentType,
		TaskID:    taskID(ctx),
		Kind:      briefing.AgentType,
		Payload:   t.Payload(),
	})
}

func (h *Handlers) HandleApprovalExecute(ctx context.Context, t *asynq.Task) error {
	var p queue.ApprovalPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	item, err := h.approvals.Get(ctx, p.UserID, p.ApprovalID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("approval %s: %w: %w", p.ApprovalID, err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("approval %s: %w", p.ApprovalID, err)
	}
	if item.Status != domain.ApprovalApproved || item.ExecutedAt != nil {
		h.logger.Info("approval not executable, skipping",
			zap.String("user_id", p.UserID),
			zap.String("approval_id", p.ApprovalID),
			zap.String("status", string(item.Status)),
			zap.Bool("spent", item.ExecutedAt != nil),
		)
		return nil
	}

	out, err := h.runner.RunApproved(ctx, item)
	if errors.Is(err, domain.ErrBrakeActive) {
		// The approval was not spent. Park it so resuming the brake hands
		// it back to the user; completing the task frees its ID for the
		// next Approve.
		if _, rerr := h.approvals.Repause(ctx, p.UserID, item.ID); rerr != nil && !errors.Is(rerr, domain.ErrNotPending) {
			return fmt.Errorf("approval %s: repause: %w", item.ID, rerr)
		}
		return nil
	}
	return h.settle(p.UserID, item.AgentType, out, err)
}

func (h *Handlers) HandleBrakeVerify(ctx context.Context, t *asynq.Task) error {
	var p queue.BrakeVerifyPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	st, err := h.brake.VerifyCompletion(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("brake verify %s: %w", p.UserID, err)
	}
	h.logger.Info("brake verification done",
		zap.String("user_id", p.UserID),
		zap.String("state", string(st.State)),
		zap.Int("stuck", len(st.StuckTaskIDs)),
	)
	return nil
}

func (h *Handlers) HandleApprovalSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := h.approvals.ExpireSweep(ctx)
	if err != nil {
		return fmt.Errorf("approval sweep: %w", err)
	}
	if n > 0 {
		h.logger.Info("approvals expired", zap.Int64("count", n))
	}
	return nil
}

func (h *Handlers) HandleScheduleSweep(ctx context.Context, _ *asynq.Task) error {
	if _, err := h.schedules.Sweep(ctx); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	return nil
}

func (h *Handlers) HandleScheduleDST(ctx context.Context, _ *asynq.Task) error {
	if _, err := h.schedules.CorrectOffsets(ctx); err != nil {
		return fmt.Errorf("schedule dst pass: %w", err)
	}
	return nil
}

func (h *Handlers) run(ctx context.Context, userID string, in runtime.TaskInput) error {
	out, err := h.runner.Run(ctx, userID, in)
	return h.settle(userID, in.AgentType, out, err)
}

// settle maps a run result to the queue's retry policy. Refusals are
// expected outcomes and are never retried.
func (h *Handlers) settle(userID, agentType string, out *runtime.Outcome, err error) error {
	if err == nil {
		if out != nil && out.Approval != nil {
			h.logger.Info("agent run awaiting approval",
				zap.String("user_id", userID),
				zap.String("agent_type", agentType),
				zap.String("approval_id", out.Approval.ID),
			)
		}
		return nil
	}
	if isRefusal(err) {
		h.logger.Info("agent run refused",
			zap.String("user_id", userID),
			zap.String("agent_type", agentType),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func isRefusal(err error) bool {
	return errors.Is(err, domain.ErrBrakeActive) ||
		errors.Is(err, domain.ErrTierViolation) ||
		errors.Is(err, domain.ErrUnknownTaskKind) ||
		errors.Is(err, domain.ErrNotPending) ||
		errors.Is(err, agents.ErrRejected)
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("%s: bad payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

func taskID(ctx context.Context) string {
	if id, ok := asynq.GetTaskID(ctx); ok {
		return id
	}
	return uuid.New().String()
}
