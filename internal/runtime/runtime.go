package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/tier"
	"github.com/hireloop/agentcore/internal/usercontext"
	"go.uber.org/zap"
)

// Gate is the tier gate surface the runtime needs.
type Gate interface {
	Check(ctx context.Context, userID string, a domain.ActionKind) (tier.Verdict, error)
	Guard(ctx context.Context, req tier.ActionRequest) (tier.Verdict, *domain.ApprovalItem, error)
}

// OutputStore persists agent outputs. Outputs are insert-only.
type OutputStore interface {
	InsertAgentOutput(ctx context.Context, o *domain.AgentOutput) error
}

// ContextLoader loads the user context bundle handed to agents.
type ContextLoader interface {
	Load(ctx context.Context, userID string) (*usercontext.Bundle, error)
}

// Emitter records activity events.
type Emitter interface {
	Emit(ctx context.Context, in activity.Input) (*domain.Activity, error)
}

// Config configures a Runtime.
type Config struct {
	Registry *Registry
	Brake    tier.BrakeChecker
	Gate     Gate
	Outputs  OutputStore
	Context  ContextLoader
	Emitter  Emitter
	Logger   *zap.Logger
}

// Runtime runs agents through the common lifecycle:
// brake, tier, Execute, persist output, emit completion.
type Runtime struct {
	registry *Registry
	brake    tier.BrakeChecker
	gate     Gate
	outputs  OutputStore
	ctxs     ContextLoader
	emit     Emitter
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config) *Runtime {
	return &Runtime{
		registry: cfg.Registry,
		brake:    cfg.Brake,
		gate:     cfg.Gate,
		outputs:  cfg.Outputs,
		ctxs:     cfg.Context,
		emit:     cfg.Emitter,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Outcome is the result of a Run. Exactly one of Output and Approval is
// set when the run was not blocked.
type Outcome struct {
	Verdict  tier.Verdict
	Output   *domain.AgentOutput
	Approval *domain.ApprovalItem
}

// Blocked reports whether the run stopped at the brake or the tier gate.
func (o *Outcome) Blocked() bool {
	return o.Verdict.Decision == domain.DecisionBlocked
}

// Run executes in for userID. A brake or tier refusal returns a blocked
// Outcome together with ErrBrakeActive or ErrTierViolation. An L2 write
// returns an Outcome carrying the pending approval and no output.
// Failures inside Execute are recorded as agent_failed and returned so
// the queue can retry them.
func (r *Runtime) Run(ctx context.Context, userID string, in TaskInput) (*Outcome, error) {
	agent, err := r.registry.Get(in.AgentType)
	if err != nil {
		return nil, fmt.Errorf("runtime.Run: %w", err)
	}
	if in.TaskID == "" {
		in.TaskID = uuid.New().String()
	}

	active, err := r.brake.IsActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("runtime.Run: brake: %w", err)
	}
	if active {
		v := tier.Verdict{Decision: domain.DecisionBlocked, Reason: tier.ReasonBrakeActive}
		r.logger.Info("agent run blocked",
			zap.String("user_id", userID),
			zap.String("agent_type", in.AgentType),
			zap.String("reason", v.Reason),
		)
		return &Outcome{Verdict: v}, domain.ErrBrakeActive
	}

	v, item, err := r.gate.Guard(ctx, tier.ActionRequest{
		UserID:     userID,
		AgentType:  agent.Type(),
		ActionName: in.actionName(),
		Kind:       agent.Action(),
		Payload:    in.Payload,
		ApprovalID: in.ApprovalID,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime.Run: %w", err)
	}
	switch v.Decision {
	case domain.DecisionBlocked:
		r.logger.Info("agent run blocked",
			zap.String("user_id", userID),
			zap.String("agent_type", in.AgentType),
			zap.String("reason", v.Reason),
		)
		return &Outcome{Verdict: v}, v.Err()
	case domain.DecisionQueueApproval:
		return &Outcome{Verdict: v, Approval: item}, nil
	}

	ec := &ExecContext{
		UserID:    userID,
		AgentType: agent.Type(),
		TaskID:    in.TaskID,
		Suggest:   v.Decision == domain.DecisionSuggest,
		rt:        r,
	}
	if v.Reason == tier.ReasonApproved {
		ec.grant = item
	}
	if r.ctxs != nil {
		ec.User, err = r.ctxs.Load(ctx, userID)
		if err != nil {
			r.recordFailure(ctx, userID, agent.Type(), in, err)
			return nil, fmt.Errorf("runtime.Run: %w", err)
		}
	}

	res, err := r.execute(ctx, agent, ec, in)
	if err != nil {
		if errors.Is(err, domain.ErrBrakeActive) {
			// Stopped at a step boundary; not a failure.
			return &Outcome{Verdict: tier.Verdict{Decision: domain.DecisionBlocked, Tier: v.Tier, Reason: tier.ReasonBrakeActive}}, err
		}
		r.recordFailure(ctx, userID, agent.Type(), in, err)
		return nil, fmt.Errorf("runtime.Run: %w", err)
	}

	out := r.buildOutput(userID, agent.Type(), in, v, res)
	if err := r.outputs.InsertAgentOutput(ctx, out); err != nil {
		return nil, fmt.Errorf("runtime.Run: %w", err)
	}

	title := res.Title
	if title == "" {
		title = fmt.Sprintf("%s finished", humanize(agent.Type()))
	}
	if _, err := r.emit.Emit(ctx, activity.Input{
		UserID:    userID,
		EventType: domain.EventAgentCompleted,
		AgentType: agent.Type(),
		Title:     title,
		Severity:  domain.SeverityInfo,
		Data: map[string]any{
			"task_id":     in.TaskID,
			"output_id":   out.ID,
			"disposition": string(out.Action.Disposition),
		},
	}); err != nil {
		r.logger.Warn("failed to record agent completion", zap.String("user_id", userID), zap.Error(err))
	}

	r.logger.Info("agent run completed",
		zap.String("user_id", userID),
		zap.String("agent_type", agent.Type()),
		zap.String("task_id", in.TaskID),
		zap.String("disposition", string(out.Action.Disposition)),
	)
	return &Outcome{Verdict: v, Output: out}, nil
}

// RunApproved carries out an approved item through the normal lifecycle.
// The item's approval is what lets an L2 write through the gate.
func (r *Runtime) RunApproved(ctx context.Context, item *domain.ApprovalItem) (*Outcome, error) {
	if item.Status != domain.ApprovalApproved {
		return nil, fmt.Errorf("runtime.RunApproved %s: %w", item.ID, domain.ErrNotPending)
	}
	return r.Run(ctx, item.UserID, TaskInput{
		AgentType:  item.AgentType,
		TaskID:     "approval:" + item.ID,
		Kind:       item.ActionName,
		Payload:    item.Payload,
		ApprovalID: item.ID,
	})
}

func (r *Runtime) execute(ctx context.Context, agent Agent, ec *ExecContext, in TaskInput) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent %s panicked: %v", agent.Type(), p)
		}
	}()
	res, err = agent.Execute(ctx, ec, in)
	if err == nil && res == nil {
		res = &Result{}
	}
	return res, err
}

func (r *Runtime) buildOutput(userID, agentType string, in TaskInput, v tier.Verdict, res *Result) *domain.AgentOutput {
	action := domain.Executed(in.actionName())
	if v.Decision == domain.DecisionSuggest {
		action = domain.Suggested(in.actionName())
	}
	data := res.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return &domain.AgentOutput{
		ID:            uuid.New().String(),
		UserID:        userID,
		AgentType:     agentType,
		TaskID:        in.TaskID,
		Action:        action,
		Result:        data,
		Rationale:     res.Rationale,
		Confidence:    res.Confidence,
		SchemaVersion: domain.OutputSchemaVersion,
		CreatedAt:     r.now().UTC(),
	}
}

func (r *Runtime) recordFailure(ctx context.Context, userID, agentType string, in TaskInput, cause error) {
	r.logger.Warn("agent run failed",
		zap.String("user_id", userID),
		zap.String("agent_type", agentType),
		zap.String("task_id", in.TaskID),
		zap.Error(cause),
	)
	if _, err := r.emit.Emit(ctx, activity.Input{
		UserID:    userID,
		EventType: domain.EventAgentFailed,
		AgentType: agentType,
		Title:     fmt.Sprintf("%s hit a problem", humanize(agentType)),
		Severity:  domain.SeverityWarning,
		Data: map[string]any{
			"task_id": in.TaskID,
			"error":   cause.Error(),
		},
	}); err != nil {
		r.logger.Warn("failed to record agent failure", zap.String("user_id", userID), zap.Error(err))
	}
}

// ExecContext is handed to Agent.Execute.
type ExecContext struct {
	UserID    string
	AgentType string
	TaskID    string
	// Suggest is set when the run may only produce suggestions.
	Suggest bool
	User    *usercontext.Bundle

	rt *Runtime

	mu sync.Mutex
	// grant is the approval spent when the run started. It covers one
	// write with the approved action name and payload.
	grant *domain.ApprovalItem
}

// Step is called at every observable step boundary. It returns
// ErrBrakeActive once the user's brake is on; in-flight work before the
// call is not interrupted.
func (ec *ExecContext) Step(ctx context.Context) error {
	active, err := ec.rt.brake.IsActive(ctx, ec.UserID)
	if err != nil {
		return fmt.Errorf("step: %w", err)
	}
	if active {
		return domain.ErrBrakeActive
	}
	return nil
}

// Authorize runs a fine-grained write through the tier gate. The caller
// performs the write only when the verdict is execute.
func (ec *ExecContext) Authorize(ctx context.Context, actionName string, payload json.RawMessage) (tier.Verdict, *domain.ApprovalItem, error) {
	if ec.Suggest {
		return tier.Verdict{Decision: domain.DecisionBlocked, Reason: tier.ReasonSuggestOnly}, nil, nil
	}
	if g := ec.takeGrant(actionName, payload); g != nil {
		v, err := ec.rt.gate.Check(ctx, ec.UserID, domain.ActionWrite)
		if err != nil || v.Decision != domain.DecisionQueueApproval {
			return v, nil, err
		}
		return tier.Verdict{Decision: domain.DecisionExecute, Tier: v.Tier, Reason: tier.ReasonApproved}, g, nil
	}
	return ec.rt.gate.Guard(ctx, tier.ActionRequest{
		UserID:     ec.UserID,
		AgentType:  ec.AgentType,
		ActionName: actionName,
		Kind:       domain.ActionWrite,
		Payload:    payload,
	})
}

// takeGrant hands out the run's approval at most once, and only for the
// approved action and payload.
func (ec *ExecContext) takeGrant(actionName string, payload json.RawMessage) *domain.ApprovalItem {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	g := ec.grant
	if g == nil || g.ActionName != actionName || !tier.SamePayload(g.Payload, payload) {
		return nil
	}
	ec.grant = nil
	return g
}

func humanize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '_' {
			b[i] = ' '
		}
	}
	if len(b) > 0 && b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
