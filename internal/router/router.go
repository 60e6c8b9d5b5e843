package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/hireloop/agentcore/internal/storage"
	"github.com/hireloop/agentcore/internal/tier"
	"github.com/hireloop/agentcore/internal/usercontext"
	"go.uber.org/zap"
)

// Gate is the tier gate surface the router pre-checks with.
type Gate interface {
	Guard(ctx context.Context, req tier.ActionRequest) (tier.Verdict, *domain.ApprovalItem, error)
}

// AgentSet reports whether an agent type has an implementation.
type AgentSet interface {
	Types() []string
}

// ContextLoader loads cached user context bundles.
type ContextLoader interface {
	Load(ctx context.Context, userID string) (*usercontext.Bundle, error)
}

// Config configures a Router.
type Config struct {
	Table    *Table
	Gate     Gate
	Enqueuer queue.Enqueuer
	Context  ContextLoader
	// Agents, if set, limits routing to kinds whose agent is registered.
	Agents AgentSet
	Sink   storage.EventWriter
	Logger *zap.Logger
}

// Router maps task kinds to lanes, pre-checks the brake and tier so no
// worker slot is spent on refused work, and hands off to the queue.
type Router struct {
	table  *Table
	gate   Gate
	enq    queue.Enqueuer
	ctxs   ContextLoader
	agents map[string]bool
	sink   storage.EventWriter
	logger *zap.Logger
}

func New(cfg Config) *Router {
	r := &Router{
		table:  cfg.Table,
		gate:   cfg.Gate,
		enq:    cfg.Enqueuer,
		ctxs:   cfg.Context,
		sink:   cfg.Sink,
		logger: cfg.Logger,
	}
	if cfg.Agents != nil {
		r.agents = make(map[string]bool)
		for _, t := range cfg.Agents.Types() {
			r.agents[t] = true
		}
	}
	return r
}

// TaskHandle describes what Dispatch did with a task.
type TaskHandle struct {
	TaskID     string          `json:"task_id,omitempty"`
	Kind       string          `json:"kind"`
	Lane       string          `json:"lane"`
	Decision   domain.Decision `json:"decision"`
	Enqueued   bool            `json:"enqueued"`
	ApprovalID string          `json:"approval_id,omitempty"`
}

// Dispatch routes one task. Refusals fail fast with ErrBrakeActive or
// ErrTierViolation; an L2 write returns a handle naming the pending
// approval and enqueues nothing.
func (r *Router) Dispatch(ctx context.Context, taskKind, userID string, payload json.RawMessage) (*TaskHandle, error) {
	route, ok := r.route(taskKind)
	if !ok {
		return nil, fmt.Errorf("Dispatch %q: %w", taskKind, domain.ErrUnknownTaskKind)
	}

	v, item, err := r.gate.Guard(ctx, tier.ActionRequest{
		UserID:     userID,
		AgentType:  route.AgentType,
		ActionName: taskKind,
		Kind:       route.Action,
		Payload:    payload,
	})
	handle := &TaskHandle{Kind: taskKind, Lane: route.Lane, Decision: v.Decision}
	if err != nil {
		r.record(userID, route, handle, v)
		return nil, fmt.Errorf("Dispatch %q: %w", taskKind, err)
	}

	switch v.Decision {
	case domain.DecisionBlocked:
		r.record(userID, route, handle, v)
		return nil, fmt.Errorf("Dispatch %q: %w", taskKind, v.Err())
	case domain.DecisionQueueApproval:
		if item != nil {
			handle.ApprovalID = item.ID
		}
		r.record(userID, route, handle, v)
		return handle, nil
	}

	taskID := uuid.New().String()
	id, err := r.enq.Enqueue(ctx, route.Lane, queue.TypeAgentRun, queue.AgentRunPayload{
		UserID:    userID,
		AgentType: route.AgentType,
		TaskKind:  taskKind,
		Input:     payload,
	}, queue.Options{
		MaxRetry: route.MaxRetry,
		Timeout:  route.Timeout,
		TaskID:   taskID,
	})
	if err != nil {
		return nil, fmt.Errorf("Dispatch %q: %w", taskKind, err)
	}
	handle.TaskID = id
	handle.Enqueued = true
	r.record(userID, route, handle, v)
	return handle, nil
}

// LoadUserContext returns the cached context bundle for userID.
func (r *Router) LoadUserContext(ctx context.Context, userID string) (*usercontext.Bundle, error) {
	return r.ctxs.Load(ctx, userID)
}

func (r *Router) route(kind string) (Route, bool) {
	route, ok := r.table.Lookup(kind)
	if !ok {
		return Route{}, false
	}
	if r.agents != nil && !r.agents[route.AgentType] {
		return Route{}, false
	}
	return route, true
}

// record logs the routing decision and writes it to the audit sink.
func (r *Router) record(userID string, route Route, h *TaskHandle, v tier.Verdict) {
	r.logger.Info("routing decision",
		zap.String("user_id", userID),
		zap.String("task_kind", h.Kind),
		zap.String("lane", h.Lane),
		zap.String("task_id", h.TaskID),
		zap.String("decision", string(v.Decision)),
		zap.String("reason", v.Reason),
	)

	meta := map[string]string{"enqueued": fmt.Sprint(h.Enqueued)}
	if h.ApprovalID != "" {
		meta["approval_id"] = h.ApprovalID
	}
	r.sink.Write(&storage.ControlEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      storage.KindRouting,
		UserID:    userID,
		TaskKind:  h.Kind,
		TaskID:    h.TaskID,
		Lane:      h.Lane,
		AgentType: route.AgentType,
		Decision:  string(v.Decision),
		Reason:    v.Reason,
		Tier:      v.Tier.String(),
		Metadata:  meta,
	})
}
