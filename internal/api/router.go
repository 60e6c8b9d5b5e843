package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hireloop/agentcore/internal/auth"
	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/router"
	"github.com/hireloop/agentcore/internal/store"
	"go.uber.org/zap"
)

type BrakeControl interface {
	Activate(ctx context.Context, userID string) (domain.BrakeStatus, error)
	Resume(ctx context.Context, userID string) (domain.BrakeStatus, error)
	Status(ctx context.Context, userID string) (domain.BrakeStatus, error)
}

type ApprovalService interface {
	List(ctx context.Context, userID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalItem, error)
	Get(ctx context.Context, userID, id string) (*domain.ApprovalItem, error)
	Approve(ctx context.Context, userID, id string, reason *string) (*domain.ApprovalItem, error)
	Reject(ctx context.Context, userID, id string, reason *string) (*domain.ApprovalItem, error)
}

// BriefingStore reads persisted briefings. Getters return nil when missing.
type BriefingStore interface {
	ListBriefings(ctx context.Context, userID string, limit, offset int) ([]*domain.Briefing, error)
	LatestBriefing(ctx context.Context, userID string) (*domain.Briefing, error)
	GetBriefing(ctx context.Context, userID, id string) (*domain.Briefing, error)
}

type BriefingMarker interface {
	MarkRead(ctx context.Context, userID, id string) (*domain.Briefing, error)
}

type ActivityStore interface {
	ListActivities(ctx context.Context, userID string, f store.ActivityFilter) ([]*domain.Activity, error)
}

type SettingsStore interface {
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)
	UpdateBriefingSettings(ctx context.Context, userID string, hour, minute int, tz string, channels []domain.Channel) error
}

type Scheduler interface {
	CreateOrUpdateSchedule(ctx context.Context, userID string, hour, minute int, tz string, channels []domain.Channel) (*domain.Schedule, error)
}

type ContextCache interface {
	Invalidate(userID string)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, taskKind, userID string, payload json.RawMessage) (*router.TaskHandle, error)
}

type EventSource interface {
	Subscribe(ctx context.Context, channel string) (*coord.Subscription, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Auth      *auth.Authenticator
	Brake     BrakeControl
	Approvals ApprovalService
	Briefings BriefingStore
	Reads     BriefingMarker
	Activity  ActivityStore
	Settings  SettingsStore
	Scheduler Scheduler
	Context   ContextCache
	Router    Dispatcher
	Events    EventSource
	Ready     map[string]Pinger
	Logger    *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	a := deps.authMiddleware

	// Brake
	mux.HandleFunc("POST /v1/brake/activate", a(deps.handleBrakeActivate))
	mux.HandleFunc("POST /v1/brake/resume", a(deps.handleBrakeResume))
	mux.HandleFunc("GET /v1/brake", a(deps.handleBrakeStatus))

	// Activity feed
	mux.HandleFunc("GET /v1/activity", a(deps.handleListActivity))
	mux.HandleFunc("GET /v1/activity/stream", a(deps.handleActivityStream))

	// Briefings
	mux.HandleFunc("GET /v1/briefings", a(deps.handleListBriefings))
	mux.HandleFunc("GET /v1/briefings/latest", a(deps.handleLatestBriefing))
	mux.HandleFunc("GET /v1/briefings/{briefing_id}", a(deps.handleGetBriefing))
	mux.HandleFunc("POST /v1/briefings/{briefing_id}/read", a(deps.handleMarkRead))
	mux.HandleFunc("GET /v1/settings/briefing", a(deps.handleGetBriefingSettings))
	mux.HandleFunc("PUT /v1/settings/briefing", a(deps.handlePutBriefingSettings))

	// Approvals
	mux.HandleFunc("GET /v1/approvals", a(deps.handleListApprovals))
	mux.HandleFunc("GET /v1/approvals/{approval_id}", a(deps.handleGetApproval))
	mux.HandleFunc("POST /v1/approvals/{approval_id}/approve", a(deps.handleApprove))
	mux.HandleFunc("POST /v1/approvals/{approval_id}/reject", a(deps.handleReject))

	// Tasks
	mux.HandleFunc("POST /v1/tasks", a(deps.handleDispatch))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", deps.handleReady)

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
