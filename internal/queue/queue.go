package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Lane names. Each maps to one asynq queue.
const (
	LaneControl     = "control"
	LaneAgents      = "agents"
	LaneBriefings   = "briefings"
	LaneMaintenance = "maintenance"
)

// LaneWeights are the asynq queue priorities used by the worker pool.
func LaneWeights() map[string]int {
	return map[string]int{
		LaneControl:     6,
		LaneAgents:      3,
		LaneBriefings:   2,
		LaneMaintenance: 1,
	}
}

// Task types.
const (
	TypeAgentRun         = "agent:run"
	TypeBriefingGenerate = "briefing:generate"
	TypeApprovalExecute  = "approval:execute"
	TypeBrakeVerify      = "brake:verify"
	TypeApprovalSweep    = "maintenance:approval_sweep"
	TypeScheduleSweep    = "maintenance:schedule_sweep"
	TypeScheduleDST      = "maintenance:schedule_dst"
)

// AgentRunPayload carries one agent invocation.
type AgentRunPayload struct {
	UserID    string          `json:"user_id"`
	AgentType string          `json:"agent_type"`
	TaskKind  string          `json:"task_kind"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type BriefingPayload struct {
	UserID   string   `json:"user_id"`
	Channels []string `json:"channels,omitempty"`
	Retry    bool     `json:"retry,omitempty"`
}

type ApprovalPayload struct {
	UserID     string `json:"user_id"`
	ApprovalID string `json:"approval_id"`
}

type BrakeVerifyPayload struct {
	UserID string `json:"user_id"`
}

// Options is the per-task retry/ack policy.
type Options struct {
	MaxRetry  int
	Timeout   time.Duration
	ProcessIn time.Duration
	// TaskID deduplicates: a second enqueue with the same ID is a no-op.
	TaskID string
}

// Enqueuer hands work off to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, lane, taskType string, payload any, opts Options) (string, error)
}

// Client enqueues tasks onto asynq lanes.
type Client struct {
	client *asynq.Client
	logger *zap.Logger
}

func NewClient(opt asynq.RedisConnOpt, logger *zap.Logger) *Client {
	return &Client{client: asynq.NewClient(opt), logger: logger}
}

func (c *Client) Close() error { return c.client.Close() }

// Enqueue marshals payload as JSON and schedules it on lane. A TaskID
// conflict is treated as success and returns the existing ID.
func (c *Client) Enqueue(ctx context.Context, lane, taskType string, payload any, opts Options) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("Enqueue %s: %w", taskType, err)
	}

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, b), taskOptions(lane, opts)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		c.logger.Debug("task already enqueued",
			zap.String("task_type", taskType),
			zap.String("task_id", opts.TaskID),
		)
		return opts.TaskID, nil
	}
	if err != nil {
		return "", fmt.Errorf("Enqueue %s: %w", taskType, err)
	}
	return info.ID, nil
}

func taskOptions(lane string, opts Options) []asynq.Option {
	out := []asynq.Option{asynq.Queue(lane), asynq.MaxRetry(opts.MaxRetry)}
	if opts.Timeout > 0 {
		out = append(out, asynq.Timeout(opts.Timeout))
	}
	if opts.ProcessIn > 0 {
		out = append(out, asynq.ProcessIn(opts.ProcessIn))
	}
	if opts.TaskID != "" {
		out = append(out, asynq.TaskID(opts.TaskID))
	}
	return out
}

// Inspector reports which tasks are currently executing on the worker pool.
type Inspector struct {
	insp  *asynq.Inspector
	lanes []string
}

func NewInspector(opt asynq.RedisConnOpt) *Inspector {
	return &Inspector{
		insp:  asynq.NewInspector(opt),
		lanes: []string{LaneAgents, LaneBriefings, LaneControl},
	}
}

func (i *Inspector) Close() error { return i.insp.Close() }

// RunningTaskIDs lists active tasks whose payload belongs to userID.
// Brake verification tasks are excluded; they are the ones asking.
func (i *Inspector) RunningTaskIDs(_ context.Context, userID string) ([]string, error) {
	var ids []string
	for _, lane := range i.lanes {
		tasks, err := i.insp.ListActiveTasks(lane, asynq.PageSize(1000))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("RunningTaskIDs %s: %w", lane, err)
		}
		ids = append(ids, filterUserTasks(tasks, userID)...)
	}
	return ids, nil
}

func filterUserTasks(tasks []*asynq.TaskInfo, userID string) []string {
	var ids []string
	for _, t := range tasks {
		if t.Type == TypeBrakeVerify {
			continue
		}
		if PayloadUserID(t.Payload) == userID {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// PayloadUserID extracts the user_id field every task payload carries.
func PayloadUserID(payload []byte) string {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.UserID
}
