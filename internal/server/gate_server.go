package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/agentcore/internal/auth"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/storage"
	"github.com/hireloop/agentcore/internal/tier"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Gate interface {
	Guard(ctx context.Context, req tier.ActionRequest) (tier.Verdict, *domain.ApprovalItem, error)
}

type BrakeStatus interface {
	Status(ctx context.Context, userID string) (domain.BrakeStatus, error)
}

// GateServer lets agents running outside this process ask the tier gate
// before acting. The acting user comes from the x-user-id metadata.
type GateServer struct {
	gate   Gate
	brake  BrakeStatus
	auth   *auth.Authenticator
	writer storage.EventWriter
	logger *zap.Logger
}

func NewGateServer(gate Gate, brake BrakeStatus, authenticator *auth.Authenticator, writer storage.EventWriter, logger *zap.Logger) *GateServer {
	return &GateServer{gate: gate, brake: brake, auth: authenticator, writer: writer, logger: logger}
}

// Check request fields: action_name, action_kind ("read"|"write"),
// agent_type, payload (object), rationale, confidence, approval_id.
//
// Failures to evaluate are answered as blocked, never as an RPC error.
func (s *GateServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.auth.FromIncoming(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
	}

	f := req.GetFields()
	ar := tier.ActionRequest{
		UserID:     p.UserID,
		AgentType:  str(f, "agent_type"),
		ActionName: str(f, "action_name"),
		Kind:       domain.ActionKind(str(f, "action_kind")),
		ApprovalID: str(f, "approval_id"),
	}
	if ar.ActionName == "" {
		return nil, status.Error(codes.InvalidArgument, "action_name is required")
	}
	if !ar.Kind.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "action_kind must be read or write, got %q", ar.Kind)
	}
	if v, ok := f["payload"]; ok {
		b, err := v.MarshalJSON()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
		}
		ar.Payload = json.RawMessage(b)
	}
	if v := str(f, "rationale"); v != "" {
		ar.Rationale = &v
	}
	if v, ok := f["confidence"]; ok {
		c := v.GetNumberValue()
		ar.Confidence = &c
	}

	v, item, err := s.gate.Guard(ctx, ar)
	if err != nil {
		s.logger.Error("gate check failed",
			zap.String("user_id", p.UserID),
			zap.String("action", ar.ActionName),
			zap.Error(err),
		)
		v = tier.Verdict{Decision: domain.DecisionBlocked, Tier: v.Tier, Reason: tier.ReasonCheckFailed}
		item = nil
	}

	out := map[string]any{
		"decision": string(v.Decision),
		"reason":   v.Reason,
		"proceed":  v.Proceed(),
	}
	if v.Reason != tier.ReasonBrakeActive && v.Reason != tier.ReasonCheckFailed {
		out["tier"] = v.Tier.String()
	}
	if item != nil {
		out["approval_id"] = item.ID
		out["approval_status"] = string(item.Status)
		out["expires_at"] = item.ExpiresAt.UTC().Format(time.RFC3339)
	}

	s.writeEvent(p.UserID, ar, v, item)

	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// BrakeStatus returns the caller's brake state.
func (s *GateServer) BrakeStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.auth.FromIncoming(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
	}
	st, err := s.brake.Status(ctx, p.UserID)
	if err != nil {
		s.logger.Error("brake status failed", zap.String("user_id", p.UserID), zap.Error(err))
		return nil, status.Error(codes.Unavailable, "brake state unavailable")
	}

	out := map[string]any{
		"user_id": st.UserID,
		"state":   string(st.State),
		"active":  st.State != domain.BrakeRunning,
	}
	if st.ActivatedAt != nil {
		out["activated_at"] = st.ActivatedAt.UTC().Format(time.RFC3339)
	}
	if len(st.StuckTaskIDs) > 0 {
		ids := make([]any, len(st.StuckTaskIDs))
		for i, id := range st.StuckTaskIDs {
			ids[i] = id
		}
		out["stuck_task_ids"] = ids
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

func (s *GateServer) writeEvent(userID string, ar tier.ActionRequest, v tier.Verdict, item *domain.ApprovalItem) {
	meta := map[string]string{"action_kind": string(ar.Kind)}
	if item != nil {
		meta["approval_id"] = item.ID
	}
	s.writer.Write(&storage.ControlEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      storage.KindGate,
		UserID:    userID,
		TaskKind:  ar.ActionName,
		AgentType: ar.AgentType,
		Decision:  string(v.Decision),
		Reason:    v.Reason,
		Tier:      v.Tier.String(),
		Metadata:  meta,
	})
}

func str(f map[string]*structpb.Value, key string) string {
	if v, ok := f[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
