package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/scheduler"
	"github.com/hireloop/agentcore/internal/store"
	"go.uber.org/zap"
)

// writeErr maps domain errors to status codes. Anything unrecognised is
// logged and reported as a 500 without its message.
func (d *Dependencies) writeErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotPending), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrBrakeActive):
		status = http.StatusConflict
		writeJSON(w, status, ErrorResp{Detail: domain.ErrBrakeActive.Error()})
		return
	case errors.Is(err, domain.ErrTierViolation):
		status = http.StatusForbidden
		writeJSON(w, status, ErrorResp{Detail: domain.ErrTierViolation.Error()})
		return
	case errors.Is(err, domain.ErrUnknownTaskKind), errors.Is(err, scheduler.ErrInvalidSchedule):
		status = http.StatusBadRequest
	default:
		d.Logger.Error(op+" failed", zap.String("user_id", userID(r)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error"})
		return
	}
	writeJSON(w, status, ErrorResp{Detail: err.Error()})
}

// --- Brake ---

func (d *Dependencies) handleBrakeActivate(w http.ResponseWriter, r *http.Request) {
	st, err := d.Brake.Activate(r.Context(), userID(r))
	if err != nil {
		d.writeErr(w, r, "brake activate", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Dependencies) handleBrakeResume(w http.ResponseWriter, r *http.Request) {
	st, err := d.Brake.Resume(r.Context(), userID(r))
	if err != nil {
		d.writeErr(w, r, "brake resume", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Dependencies) handleBrakeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := d.Brake.Status(r.Context(), userID(r))
	if err != nil {
		d.writeErr(w, r, "brake status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Activity ---

func (d *Dependencies) handleListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ActivityFilter{Limit: clamp(queryInt(r, "limit", 50), 1, 200)}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be RFC 3339"})
			return
		}
		f.Since = t
	}
	if v := q.Get("severity"); v != "" {
		sev := domain.Severity(v)
		if sev != domain.SeverityInfo && sev != domain.SeverityWarning && sev != domain.SeverityActionRequired {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown severity"})
			return
		}
		f.Severity = sev
	}

	rows, err := d.Activity.ListActivities(r.Context(), userID(r), f)
	if err != nil {
		d.writeErr(w, r, "list activity", err)
		return
	}
	if rows == nil {
		rows = []*domain.Activity{}
	}
	writeJSON(w, http.StatusOK, ActivityListResp{Activities: rows})
}

// --- Briefings ---

func (d *Dependencies) handleListBriefings(w http.ResponseWriter, r *http.Request) {
	limit := clamp(queryInt(r, "limit", 20), 1, 100)
	offset := max(queryInt(r, "offset", 0), 0)

	list, err := d.Briefings.ListBriefings(r.Context(), userID(r), limit, offset)
	if err != nil {
		d.writeErr(w, r, "list briefings", err)
		return
	}
	if list == nil {
		list = []*domain.Briefing{}
	}
	writeJSON(w, http.StatusOK, BriefingListResp{Briefings: list, Limit: limit, Offset: offset})
}

func (d *Dependencies) handleLatestBriefing(w http.ResponseWriter, r *http.Request) {
	b, err := d.Briefings.LatestBriefing(r.Context(), userID(r))
	if err != nil {
		d.writeErr(w, r, "latest briefing", err)
		return
	}
	if b == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No briefing yet."})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (d *Dependencies) handleGetBriefing(w http.ResponseWriter, r *http.Request) {
	b, err := d.Briefings.GetBriefing(r.Context(), userID(r), r.PathValue("briefing_id"))
	if err != nil {
		d.writeErr(w, r, "get briefing", err)
		return
	}
	if b == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Briefing not found."})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (d *Dependencies) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	b, err := d.Reads.MarkRead(r.Context(), userID(r), r.PathValue("briefing_id"))
	if err != nil {
		d.writeErr(w, r, "mark briefing read", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Briefing settings ---

func (d *Dependencies) handleGetBriefingSettings(w http.ResponseWriter, r *http.Request) {
	p, err := d.Settings.GetPreferences(r.Context(), userID(r))
	if err != nil {
		d.writeErr(w, r, "get briefing settings", err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found."})
		return
	}
	writeJSON(w, http.StatusOK, BriefingSettingsResp{
		Hour:     p.BriefingHour,
		Minute:   p.BriefingMinute,
		Timezone: p.Timezone,
		Channels: p.Channels,
	})
}

func (d *Dependencies) handlePutBriefingSettings(w http.ResponseWriter, r *http.Request) {
	var req BriefingSettingsReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	channels := domain.ParseChannels(req.Channels)
	if len(channels) == 0 {
		channels = []domain.Channel{domain.ChannelInApp}
	}

	ctx := r.Context()
	user := userID(r)
	p, err := d.Settings.GetPreferences(ctx, user)
	if err != nil {
		d.writeErr(w, r, "put briefing settings", err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found."})
		return
	}

	// The schedule validates hour, minute and zone before anything is written.
	sc, err := d.Scheduler.CreateOrUpdateSchedule(ctx, user, req.Hour, req.Minute, req.Timezone, channels)
	if err != nil {
		d.writeErr(w, r, "put briefing settings", err)
		return
	}
	if err := d.Settings.UpdateBriefingSettings(ctx, user, req.Hour, req.Minute, req.Timezone, channels); err != nil {
		d.writeErr(w, r, "put briefing settings", err)
		return
	}
	d.Context.Invalidate(user)

	writeJSON(w, http.StatusOK, BriefingSettingsResp{
		Hour:     req.Hour,
		Minute:   req.Minute,
		Timezone: req.Timezone,
		Channels: channels,
		Cronspec: sc.Cronspec,
	})
}

// --- Approvals ---

func (d *Dependencies) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected,
		domain.ApprovalExpired, domain.ApprovalPaused:
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown status"})
		return
	}

	items, err := d.Approvals.List(r.Context(), userID(r), status, clamp(queryInt(r, "limit", 50), 1, 200))
	if err != nil {
		d.writeErr(w, r, "list approvals", err)
		return
	}
	if items == nil {
		items = []*domain.ApprovalItem{}
	}
	writeJSON(w, http.StatusOK, ApprovalListResp{Approvals: items})
}

func (d *Dependencies) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	item, err := d.Approvals.Get(r.Context(), userID(r), r.PathValue("approval_id"))
	if err != nil {
		d.writeErr(w, r, "get approval", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	d.decide(w, r, d.Approvals.Approve)
}

func (d *Dependencies) handleReject(w http.ResponseWriter, r *http.Request) {
	d.decide(w, r, d.Approvals.Reject)
}

type decideFunc func(ctx context.Context, userID, id string, reason *string) (*domain.ApprovalItem, error)

func (d *Dependencies) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	var req DecisionReq
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
			return
		}
	}
	item, err := fn(r.Context(), userID(r), r.PathValue("approval_id"), req.Reason)
	if err != nil {
		d.writeErr(w, r, "decide approval", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// --- Tasks ---

func (d *Dependencies) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.TaskKind == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "task_kind is required"})
		return
	}

	h, err := d.Router.Dispatch(r.Context(), req.TaskKind, userID(r), req.Payload)
	if err != nil {
		d.writeErr(w, r, "dispatch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// --- Readiness ---

func (d *Dependencies) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(d.Ready))
	ok := true
	for name, p := range d.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ok = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}
