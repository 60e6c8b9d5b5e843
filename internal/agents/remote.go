package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/runtime"
	"github.com/hireloop/agentcore/internal/tier"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// Remote runs an agent whose business logic lives in an external service.
// The service plans; every write it proposes is authorized through the
// tier gate here before the service is asked to perform it.
//
//	POST {base}/v1/agents/{type}/plan
//	POST {base}/v1/agents/{type}/perform
type Remote struct {
	typ    string
	action domain.ActionKind
	base   string
	http   *http.Client
	logger *zap.Logger
}

func NewRemote(agentType string, action domain.ActionKind, baseURL string, hc *http.Client, logger *zap.Logger) *Remote {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Remote{typ: agentType, action: action, base: baseURL, http: hc, logger: logger}
}

func (r *Remote) Type() string              { return r.typ }
func (r *Remote) Action() domain.ActionKind { return r.action }

type planRequest struct {
	UserID      string              `json:"user_id"`
	TaskID      string              `json:"task_id"`
	Kind        string              `json:"kind"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Suggest     bool                `json:"suggest"`
	Profile     json.RawMessage     `json:"profile,omitempty"`
	Preferences *domain.Preferences `json:"preferences,omitempty"`
}

// PlannedAction is a write the external agent wants to make.
type PlannedAction struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type planResponse struct {
	Data       json.RawMessage `json:"data"`
	Rationale  string          `json:"rationale"`
	Confidence float64         `json:"confidence"`
	Title      string          `json:"title"`
	Actions    []PlannedAction `json:"actions"`
}

type performRequest struct {
	UserID     string          `json:"user_id"`
	TaskID     string          `json:"task_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
}

type performResponse struct {
	Data json.RawMessage `json:"data"`
}

// ActionOutcome reports what happened to one planned action.
type ActionOutcome struct {
	Name       string          `json:"name"`
	Decision   domain.Decision `json:"decision"`
	Reason     string          `json:"reason"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Performed  bool            `json:"performed"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type resultData struct {
	Plan    json.RawMessage `json:"plan,omitempty"`
	Actions []ActionOutcome `json:"actions"`
}

func (r *Remote) Execute(ctx context.Context, ec *runtime.ExecContext, in runtime.TaskInput) (*runtime.Result, error) {
	if err := ec.Step(ctx); err != nil {
		return nil, err
	}

	// An approved item is carried out as-is; it was planned before it was queued.
	if in.ApprovalID != "" {
		out, err := r.authorizeAndPerform(ctx, ec, in, PlannedAction{Name: in.Kind, Payload: in.Payload})
		if err != nil {
			return nil, err
		}
		data, _ := json.Marshal(resultData{Actions: []ActionOutcome{out}})
		return &runtime.Result{Data: data, Title: fmt.Sprintf("Approved %s carried out", in.Kind)}, nil
	}

	preq := planRequest{
		UserID:  ec.UserID,
		TaskID:  ec.TaskID,
		Kind:    in.Kind,
		Payload: in.Payload,
		Suggest: ec.Suggest,
	}
	if ec.User != nil {
		preq.Profile = ec.User.Profile
		preq.Preferences = &ec.User.Preferences
	}
	var plan planResponse
	if err := r.post(ctx, "plan", preq, &plan); err != nil {
		return nil, err
	}

	outcomes := make([]ActionOutcome, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if err := ec.Step(ctx); err != nil {
			return nil, err
		}
		out, err := r.authorizeAndPerform(ctx, ec, in, a)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
	}

	data, err := json.Marshal(resultData{Plan: plan.Data, Actions: outcomes})
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", r.typ, err)
	}
	return &runtime.Result{
		Data:       data,
		Rationale:  plan.Rationale,
		Confidence: plan.Confidence,
		Title:      plan.Title,
	}, nil
}

func (r *Remote) authorizeAndPerform(ctx context.Context, ec *runtime.ExecContext, in runtime.TaskInput, a PlannedAction) (ActionOutcome, error) {
	out := ActionOutcome{Name: a.Name}
	v, item, err := ec.Authorize(ctx, a.Name, a.Payload)
	if err != nil {
		return out, fmt.Errorf("remote %s: authorize %s: %w", r.typ, a.Name, err)
	}
	out.Decision, out.Reason = v.Decision, v.Reason
	if item != nil {
		out.ApprovalID = item.ID
	}
	if v.Reason == tier.ReasonBrakeActive {
		return out, domain.ErrBrakeActive
	}
	if v.Decision != domain.DecisionExecute {
		r.logger.Info("planned action not performed",
			zap.String("user_id", ec.UserID),
			zap.String("agent_type", r.typ),
			zap.String("action", a.Name),
			zap.String("decision", string(v.Decision)),
		)
		return out, nil
	}

	var resp performResponse
	err = r.post(ctx, "perform", performRequest{
		UserID:     ec.UserID,
		TaskID:     ec.TaskID,
		Action:     a.Name,
		Payload:    a.Payload,
		ApprovalID: in.ApprovalID,
	}, &resp)
	if err != nil {
		return out, err
	}
	out.Performed = true
	out.Result = resp.Data
	return out, nil
}

// ErrRejected marks a 4xx answer from the agent service.
var ErrRejected = errors.New("agent service rejected the request")

func (r *Remote) post(ctx context.Context, op string, body, into any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", r.typ, op, err)
	}
	u, err := url.JoinPath(r.base, "v1", "agents", r.typ, op)
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", r.typ, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", r.typ, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", r.typ, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("remote %s %s: read body: %w", r.typ, op, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("remote %s %s: status %d", r.typ, op, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("remote %s %s: status %d: %w", r.typ, op, resp.StatusCode, ErrRejected)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("remote %s %s: decode: %w", r.typ, op, err)
	}
	return nil
}
