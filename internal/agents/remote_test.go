package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/approval"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/runtime"
	"github.com/hireloop/agentcore/internal/tier"
	"github.com/hireloop/agentcore/internal/usercontext"
	"go.uber.org/zap"
)

type fakeUser struct {
	tier domain.AutonomyTier
}

func (f *fakeUser) IsActive(context.Context, string) (bool, error) { return false, nil }
func (f *fakeUser) Tier(context.Context, string) (domain.AutonomyTier, error) {
	return f.tier, nil
}
func (f *fakeUser) Load(_ context.Context, userID string) (*usercontext.Bundle, error) {
	return &usercontext.Bundle{UserID: userID, Profile: json.RawMessage(`{"headline":"Go engineer"}`), Preferences: domain.Preferences{Tier: f.tier}}, nil
}

type fakeApprovals struct {
	created atomic.Int32
	mu      sync.Mutex
	items   map[string]*domain.ApprovalItem
}

func (f *fakeApprovals) Create(_ context.Context, p approval.CreateParams) (*domain.ApprovalItem, error) {
	f.created.Add(1)
	return &domain.ApprovalItem{ID: "ap-new", UserID: p.UserID, ActionName: p.ActionName, Status: domain.ApprovalPending}, nil
}

func (f *fakeApprovals) Get(_ context.Context, _, id string) (*domain.ApprovalItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it, ok := f.items[id]; ok {
		cp := *it
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeApprovals) Consume(_ context.Context, _, id string) (*domain.ApprovalItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if it.Status != domain.ApprovalApproved || it.ExecutedAt != nil {
		return nil, domain.ErrNotPending
	}
	now := time.Now()
	it.ExecutedAt = &now
	cp := *it
	return &cp, nil
}

type fakeOutputs struct {
	mu   sync.Mutex
	last *domain.AgentOutput
}

func (f *fakeOutputs) InsertAgentOutput(_ context.Context, o *domain.AgentOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = o
	return nil
}

type nopEmitter struct{}

func (nopEmitter) Emit(_ context.Context, in activity.Input) (*domain.Activity, error) {
	return &domain.Activity{EventType: in.EventType}, nil
}

// agentService fakes the external agent service.
type agentService struct {
	plan      planResponse
	planCode  int
	plans     atomic.Int32
	performs  atomic.Int32
	lastPlan  planRequest
	performed []string
	mu        sync.Mutex
}

func (s *agentService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents/{type}/plan", func(w http.ResponseWriter, r *http.Request) {
		s.plans.Add(1)
		s.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&s.lastPlan)
		s.mu.Unlock()
		if s.planCode != 0 {
			w.WriteHeader(s.planCode)
			return
		}
		_ = json.NewEncoder(w).Encode(s.plan)
	})
	mux.HandleFunc("POST /v1/agents/{type}/perform", func(w http.ResponseWriter, r *http.Request) {
		s.performs.Add(1)
		var req performRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.performed = append(s.performed, req.Action)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(performResponse{Data: json.RawMessage(`{"ok":true}`)})
	})
	return mux
}

type harness struct {
	rt        *runtime.Runtime
	svc       *agentService
	approvals *fakeApprovals
	outputs   *fakeOutputs
}

func newHarness(t *testing.T, tr domain.AutonomyTier, agentType string, action domain.ActionKind) *harness {
	t.Helper()
	svc := &agentService{}
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	user := &fakeUser{tier: tr}
	apps := &fakeApprovals{items: map[string]*domain.ApprovalItem{}}
	outs := &fakeOutputs{}
	gate := tier.NewGate(user, user, apps, zap.NewNop())
	rt := runtime.New(runtime.Config{
		Registry: runtime.NewRegistry(NewRemote(agentType, action, srv.URL, srv.Client(), zap.NewNop())),
		Brake:    user,
		Gate:     gate,
		Outputs:  outs,
		Context:  user,
		Emitter:  nopEmitter{},
		Logger:   zap.NewNop(),
	})
	return &harness{rt: rt, svc: svc, approvals: apps, outputs: outs}
}

func decodeResult(t *testing.T, o *domain.AgentOutput) resultData {
	t.Helper()
	var rd resultData
	if err := json.Unmarshal(o.Result, &rd); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return rd
}

func TestRemote_L3WritePerformed(t *testing.T) {
	h := newHarness(t, domain.TierL3, "apply", domain.ActionWrite)
	h.svc.plan = planResponse{
		Data:      json.RawMessage(`{"job_id":"j1"}`),
		Rationale: "strong match",
		Title:     "Applied to Acme",
		Actions:   []PlannedAction{{Name: "submit_application", Payload: json.RawMessage(`{"job_id":"j1"}`)}},
	}

	out, err := h.rt.Run(context.Background(), "u1", runtime.TaskInput{AgentType: "apply", TaskID: "t1", Kind: "submit_application"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Output.Action.IsExecuted() || out.Output.Rationale != "strong match" {
		t.Fatalf("unexpected output %+v", out.Output)
	}
	rd := decodeResult(t, out.Output)
	if len(rd.Actions) != 1 || !rd.Actions[0].Performed {
		t.Fatalf("action not performed: %+v", rd.Actions)
	}
	if h.svc.lastPlan.Preferences == nil || string(h.svc.lastPlan.Profile) == "" {
		t.Fatal("user context must be sent with the plan request")
	}
}

func TestRemote_L2WriteQueuesApproval(t *testing.T) {
	h := newHarness(t, domain.TierL2, "job_match", domain.ActionRead)
	h.svc.plan = planResponse{Actions: []PlannedAction{{Name: "save_job"}}}

	out, err := h.rt.Run(context.Background(), "u1", runtime.TaskInput{AgentType: "job_match", TaskID: "t1", Kind: "job_match"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.svc.performs.Load() != 0 {
		t.Fatal("write must wait for approval")
	}
	if h.approvals.created.Load() != 1 {
		t.Fatal("approval not created")
	}
	rd := decodeResult(t, out.Output)
	if rd.Actions[0].Decision != domain.DecisionQueueApproval || rd.Actions[0].ApprovalID != "ap-new" {
		t.Fatalf("unexpected outcome %+v", rd.Actions[0])
	}
}

func TestRemote_SuggestModeNeverPerforms(t *testing.T) {
	h := newHarness(t, domain.TierL0, "job_match", domain.ActionRead)
	h.svc.plan = planResponse{Actions: []PlannedAction{{Name: "save_job"}}}

	out, err := h.rt.Run(context.Background(), "u1", runtime.TaskInput{AgentType: "job_match", TaskID: "t1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.svc.lastPlan.Suggest {
		t.Fatal("plan request must carry suggest=true")
	}
	if h.svc.performs.Load() != 0 || h.approvals.created.Load() != 0 {
		t.Fatal("suggest mode must not perform or queue writes")
	}
	if out.Output.Action.IsExecuted() {
		t.Fatal("output must be tagged suggested")
	}
}

func TestRemote_ApprovedItemSkipsPlan(t *testing.T) {
	h := newHarness(t, domain.TierL2, "apply", domain.ActionWrite)
	h.approvals.items["ap-1"] = &domain.ApprovalItem{
		ID: "ap-1", UserID: "u1", AgentType: "apply", ActionName: "submit_application",
		Payload: json.RawMessage(`{"job_id":"j1"}`), Status: domain.ApprovalApproved,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	if _, err := h.rt.RunApproved(context.Background(), h.approvals.items["ap-1"]); err != nil {
		t.Fatalf("RunApproved: %v", err)
	}
	if h.svc.plans.Load() != 0 {
		t.Fatal("approved item must not be re-planned")
	}
	if h.svc.performs.Load() != 1 || h.svc.performed[0] != "submit_application" {
		t.Fatalf("performed = %v", h.svc.performed)
	}
}

func TestRemote_ServiceErrors(t *testing.T) {
	h := newHarness(t, domain.TierL1, "job_match", domain.ActionRead)

	h.svc.planCode = http.StatusBadGateway
	_, err := h.rt.Run(context.Background(), "u1", runtime.TaskInput{AgentType: "job_match", TaskID: "t1"})
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("5xx: got %v", err)
	}

	h.svc.planCode = http.StatusUnprocessableEntity
	_, err = h.rt.Run(context.Background(), "u1", runtime.TaskInput{AgentType: "job_match", TaskID: "t2"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("4xx: got %v", err)
	}
	if h.outputs.last != nil {
		t.Fatal("failed runs must not write an output")
	}
}

func TestRemote_Identity(t *testing.T) {
	r := NewRemote("outreach", domain.ActionWrite, "http://x", nil, zap.NewNop())
	if r.Type() != "outreach" || r.Action() != domain.ActionWrite {
		t.Fatal("identity mismatch")
	}
	if !strings.HasPrefix(r.base, "http") {
		t.Fatal("base url lost")
	}
}
