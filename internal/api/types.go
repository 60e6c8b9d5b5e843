package api

import (
	"encoding/json"

	"github.com/hireloop/agentcore/internal/domain"
)

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// DecisionReq is the optional body for approve/reject.
type DecisionReq struct {
	Reason *string `json:"reason,omitempty"`
}

// DispatchReq is the JSON body for POST /v1/tasks.
type DispatchReq struct {
	TaskKind string          `json:"task_kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// BriefingSettingsReq is the JSON body for PUT /v1/settings/briefing.
type BriefingSettingsReq struct {
	Hour     int      `json:"hour"`
	Minute   int      `json:"minute"`
	Timezone string   `json:"timezone"`
	Channels []string `json:"channels"`
}

type BriefingSettingsResp struct {
	Hour     int              `json:"hour"`
	Minute   int              `json:"minute"`
	Timezone string           `json:"timezone"`
	Channels []domain.Channel `json:"channels"`
	Cronspec string           `json:"cronspec,omitempty"`
}

type BriefingListResp struct {
	Briefings []*domain.Briefing `json:"briefings"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

type ActivityListResp struct {
	Activities []*domain.Activity `json:"activities"`
}

type ApprovalListResp struct {
	Approvals []*domain.ApprovalItem `json:"approvals"`
}
