package domain

import (
	"encoding/json"
	"time"
)

// OutputSchemaVersion is stamped on every AgentOutput and Briefing row.
const OutputSchemaVersion = 1

// Disposition tags whether an agent's result was applied or only proposed.
type Disposition string

const (
	DispositionSuggested Disposition = "suggested"
	DispositionExecuted  Disposition = "executed"
)

// AgentAction is the tagged action recorded on an AgentOutput.
// Build it with Suggested or Executed.
type AgentAction struct {
	Disposition Disposition `json:"disposition"`
	Name        string      `json:"name"`
}

func Suggested(name string) AgentAction {
	return AgentAction{Disposition: DispositionSuggested, Name: name}
}

func Executed(name string) AgentAction {
	return AgentAction{Disposition: DispositionExecuted, Name: name}
}

func (a AgentAction) IsExecuted() bool { return a.Disposition == DispositionExecuted }

// AgentOutput is the immutable audit record of one completed agent invocation.
type AgentOutput struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	AgentType     string          `json:"agent_type"`
	TaskID        string          `json:"task_id"`
	Action        AgentAction     `json:"action"`
	Result        json.RawMessage `json:"result"`
	Rationale     string          `json:"rationale"`
	Confidence    float64         `json:"confidence"`
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ApprovalStatus is the lifecycle state of an ApprovalItem.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalPaused   ApprovalStatus = "paused"
)

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalItem is a write action a tier-2 user must approve before it runs.
type ApprovalItem struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	AgentType      string          `json:"agent_type"`
	ActionName     string          `json:"action_name"`
	Payload        json.RawMessage `json:"payload"`
	Status         ApprovalStatus  `json:"status"`
	Rationale      *string         `json:"rationale,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
	DecisionReason *string         `json:"decision_reason,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	// ExecutedAt is set when the approval is spent. An approval authorizes
	// one execution of its own payload.
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// BriefingType labels where a briefing's content came from.
type BriefingType string

const (
	BriefingFull BriefingType = "full"
	BriefingLite BriefingType = "lite"
)

type ActionItem struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Link     string `json:"link,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type MatchItem struct {
	JobID   string  `json:"job_id"`
	Title   string  `json:"title"`
	Company string  `json:"company"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason,omitempty"`
}

type ActivityItem struct {
	Title     string    `json:"title"`
	AgentType string    `json:"agent_type,omitempty"`
	Severity  Severity  `json:"severity"`
	At        time.Time `json:"at"`
}

// BriefingContent is the structured digest payload. It is also the cached
// fallback value in the coordination store.
type BriefingContent struct {
	Summary       string             `json:"summary"`
	ActionsNeeded []ActionItem       `json:"actions_needed"`
	NewMatches    []MatchItem        `json:"new_matches"`
	ActivityLog   []ActivityItem     `json:"activity_log"`
	Metrics       map[string]float64 `json:"metrics"`
	Message       string             `json:"message,omitempty"`
	EmptyState    bool               `json:"empty_state,omitempty"`
}

// Briefing is one generated digest. Append-only history.
type Briefing struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Content           BriefingContent `json:"content"`
	Type              BriefingType    `json:"type"`
	GeneratedAt       time.Time       `json:"generated_at"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	DeliveredChannels []Channel       `json:"delivered_channels"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	SchemaVersion     int             `json:"schema_version"`
}

// Activity is one durable row of the live activity feed.
type Activity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	AgentType *string        `json:"agent_type,omitempty"`
	Title     string         `json:"title"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is the real-time push shape of an Activity.
type Event struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id"`
	AgentType *string        `json:"agent_type,omitempty"`
	Title     string         `json:"title"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data"`
}

// EventOf converts a durable activity row into its push shape.
func EventOf(a *Activity) Event {
	return Event{
		Type:      a.EventType,
		EventID:   a.ID,
		Timestamp: a.CreatedAt,
		UserID:    a.UserID,
		AgentType: a.AgentType,
		Title:     a.Title,
		Severity:  a.Severity,
		Data:      a.Data,
	}
}

// Activity event types.
const (
	EventBrakeActivated  = "brake_activated"
	EventBrakeVerified   = "brake_verified"
	EventBrakePartial    = "brake_partial"
	EventBrakeResumed    = "brake_resumed"
	EventApprovalCreated = "approval_created"
	EventApprovalDecided = "approval_decided"
	EventAgentCompleted  = "agent_completed"
	EventAgentFailed     = "agent_failed"
	EventBriefingReady   = "briefing_ready"
	EventBriefingFailed  = "briefing_failed"
)

// BrakeStatus is the per-user brake record kept in the coordination store.
type BrakeStatus struct {
	UserID       string     `json:"user_id"`
	State        BrakeState `json:"state"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	StuckTaskIDs []string   `json:"stuck_task_ids,omitempty"`
}

// Preferences are the user's autonomy and briefing settings. Read-only here.
type Preferences struct {
	UserID         string       `json:"user_id"`
	Tier           AutonomyTier `json:"tier"`
	BriefingHour   int          `json:"briefing_hour"`
	BriefingMinute int          `json:"briefing_minute"`
	Timezone       string       `json:"timezone"`
	Channels       []Channel    `json:"channels"`
	Email          string       `json:"email"`
}

// Schedule is a per-user recurring briefing trigger, frozen to a UTC offset.
type Schedule struct {
	UserID        string    `json:"user_id"`
	HourLocal     int       `json:"hour_local"`
	MinuteLocal   int       `json:"minute_local"`
	Timezone      string    `json:"timezone"`
	Channels      []Channel `json:"channels"`
	HourUTC       int       `json:"hour_utc"`
	MinuteUTC     int       `json:"minute_utc"`
	OffsetMinutes int       `json:"offset_minutes"`
	Cronspec      string    `json:"cronspec"`
	UpdatedAt     time.Time `json:"updated_at"`
}
