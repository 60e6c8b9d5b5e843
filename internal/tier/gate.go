package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/hireloop/agentcore/internal/approval"
	"github.com/hireloop/agentcore/internal/domain"
	"go.uber.org/zap"
)

// Verdict reasons.
const (
	ReasonAllowed          = "allowed"
	ReasonSuggestOnly      = "suggest_only"
	ReasonRequiresApproval = "requires_approval"
	ReasonApproved         = "approved"
	ReasonNotApproved      = "approval_not_granted"
	ReasonApprovalSpent    = "approval_spent"
	ReasonBrakeActive      = "brake_active"
	ReasonTierViolation    = "tier_violation"
	ReasonCheckFailed      = "check_failed"
)

// Decide is the fixed tier table. It does not consult the brake.
//
//	      read     write
//	L0    suggest  blocked
//	L1    execute  blocked
//	L2    execute  queue_approval
//	L3    execute  execute
func Decide(t domain.AutonomyTier, a domain.ActionKind) domain.Decision {
	if !t.Valid() || !a.Valid() {
		return domain.DecisionBlocked
	}
	if a == domain.ActionRead {
		if t == domain.TierL0 {
			return domain.DecisionSuggest
		}
		return domain.DecisionExecute
	}
	switch t {
	case domain.TierL2:
		return domain.DecisionQueueApproval
	case domain.TierL3:
		return domain.DecisionExecute
	default:
		return domain.DecisionBlocked
	}
}

// Verdict is the result of a gate check.
type Verdict struct {
	Decision domain.Decision
	Tier     domain.AutonomyTier
	Reason   string
}

// Proceed reports whether the caller may run the action (possibly in
// suggest-only mode).
func (v Verdict) Proceed() bool {
	return v.Decision == domain.DecisionExecute || v.Decision == domain.DecisionSuggest
}

// Err maps a blocked verdict to its typed error for fail-fast callers.
func (v Verdict) Err() error {
	if v.Decision != domain.DecisionBlocked {
		return nil
	}
	if v.Reason == ReasonBrakeActive {
		return domain.ErrBrakeActive
	}
	return domain.ErrTierViolation
}

// BrakeChecker answers the per-step brake question.
type BrakeChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// TierSource loads a user's autonomy tier.
type TierSource interface {
	Tier(ctx context.Context, userID string) (domain.AutonomyTier, error)
}

// Approvals creates, looks up and spends approval items.
type Approvals interface {
	Create(ctx context.Context, p approval.CreateParams) (*domain.ApprovalItem, error)
	Get(ctx context.Context, userID, id string) (*domain.ApprovalItem, error)
	// Consume marks an approved item spent. Only one caller succeeds; the
	// others get domain.ErrNotPending.
	Consume(ctx context.Context, userID, id string) (*domain.ApprovalItem, error)
}

// Gate enforces autonomy tiers. The brake is always consulted first.
type Gate struct {
	brake     BrakeChecker
	tiers     TierSource
	approvals Approvals
	logger    *zap.Logger
}

func NewGate(brake BrakeChecker, tiers TierSource, approvals Approvals, logger *zap.Logger) *Gate {
	return &Gate{brake: brake, tiers: tiers, approvals: approvals, logger: logger}
}

// Check returns the decision for userID performing an action of kind a.
// Any failure to read brake or tier state fails closed as blocked.
func (g *Gate) Check(ctx context.Context, userID string, a domain.ActionKind) (Verdict, error) {
	active, err := g.brake.IsActive(ctx, userID)
	if err != nil {
		return Verdict{Decision: domain.DecisionBlocked, Reason: ReasonCheckFailed}, fmt.Errorf("tier.Check: brake: %w", err)
	}
	if active {
		return Verdict{Decision: domain.DecisionBlocked, Reason: ReasonBrakeActive}, nil
	}

	t, err := g.tiers.Tier(ctx, userID)
	if err != nil {
		return Verdict{Decision: domain.DecisionBlocked, Reason: ReasonCheckFailed}, fmt.Errorf("tier.Check: tier: %w", err)
	}

	d := Decide(t, a)
	v := Verdict{Decision: d, Tier: t, Reason: reasonFor(d)}
	g.logger.Debug("tier check",
		zap.String("user_id", userID),
		zap.String("tier", t.String()),
		zap.String("action_kind", string(a)),
		zap.String("decision", string(d)),
	)
	return v, nil
}

func reasonFor(d domain.Decision) string {
	switch d {
	case domain.DecisionExecute:
		return ReasonAllowed
	case domain.DecisionSuggest:
		return ReasonSuggestOnly
	case domain.DecisionQueueApproval:
		return ReasonRequiresApproval
	default:
		return ReasonTierViolation
	}
}

// ActionRequest is one concrete action an agent wants to take.
type ActionRequest struct {
	UserID     string
	AgentType  string
	ActionName string
	Kind       domain.ActionKind
	Payload    json.RawMessage
	Rationale  *string
	Confidence *float64
	// ApprovalID names an approval the user already granted for this action.
	ApprovalID string
}

// Guard is the entry point every agent action goes through. On
// queue_approval it persists an approval item and returns it; the caller
// must stop short of performing the action. A request naming an approval
// spends it: the approval must match the action and payload and is good
// for one execution.
func (g *Gate) Guard(ctx context.Context, req ActionRequest) (Verdict, *domain.ApprovalItem, error) {
	v, err := g.Check(ctx, req.UserID, req.Kind)
	if err != nil || v.Decision != domain.DecisionQueueApproval {
		return v, nil, err
	}

	if req.ApprovalID != "" {
		return g.spend(ctx, req, v)
	}

	item, err := g.approvals.Create(ctx, approval.CreateParams{
		UserID:     req.UserID,
		AgentType:  req.AgentType,
		ActionName: req.ActionName,
		Payload:    req.Payload,
		Rationale:  req.Rationale,
		Confidence: req.Confidence,
	})
	if err != nil {
		return Verdict{Decision: domain.DecisionBlocked, Tier: v.Tier, Reason: ReasonCheckFailed}, nil, fmt.Errorf("tier.Guard: %w", err)
	}
	g.logger.Info("action queued for approval",
		zap.String("user_id", req.UserID),
		zap.String("agent_type", req.AgentType),
		zap.String("action", req.ActionName),
		zap.String("approval_id", item.ID),
	)
	return v, item, nil
}

// spend turns a granted approval into a single execute verdict.
func (g *Gate) spend(ctx context.Context, req ActionRequest, v Verdict) (Verdict, *domain.ApprovalItem, error) {
	blocked := func(reason string) Verdict {
		return Verdict{Decision: domain.DecisionBlocked, Tier: v.Tier, Reason: reason}
	}

	item, err := g.approvals.Get(ctx, req.UserID, req.ApprovalID)
	if err != nil {
		return blocked(ReasonNotApproved), nil, fmt.Errorf("tier.Guard: %w", err)
	}
	if item.Status != domain.ApprovalApproved || item.ActionName != req.ActionName || !SamePayload(item.Payload, req.Payload) {
		return blocked(ReasonNotApproved), item, nil
	}
	if item.ExecutedAt != nil {
		return blocked(ReasonApprovalSpent), item, nil
	}

	spent, err := g.approvals.Consume(ctx, req.UserID, req.ApprovalID)
	if errors.Is(err, domain.ErrNotPending) {
		return blocked(ReasonApprovalSpent), item, nil
	}
	if err != nil {
		return blocked(ReasonCheckFailed), nil, fmt.Errorf("tier.Guard: %w", err)
	}
	g.logger.Info("approval spent",
		zap.String("user_id", req.UserID),
		zap.String("action", req.ActionName),
		zap.String("approval_id", spent.ID),
	)
	return Verdict{Decision: domain.DecisionExecute, Tier: v.Tier, Reason: ReasonApproved}, spent, nil
}

// SamePayload compares two JSON documents by value, so key order and
// whitespace differences from storage do not matter. Empty means {}.
func SamePayload(a, b json.RawMessage) bool {
	var x, y any
	if err := json.Unmarshal(orEmptyObject(a), &x); err != nil {
		return false
	}
	if err := json.Unmarshal(orEmptyObject(b), &y); err != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func orEmptyObject(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`{}`)
	}
	return b
}
