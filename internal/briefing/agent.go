package briefing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/hireloop/agentcore/internal/runtime"
)

// AgentType is the runtime type of the briefing agent.
const AgentType = "briefing"

// Agent runs the briefing pipeline under the agent runtime, so a scheduled
// briefing is subject to the same brake and tier lifecycle as any agent.
type Agent struct {
	pipeline *Pipeline
}

func NewAgent(p *Pipeline) *Agent {
	return &Agent{pipeline: p}
}

func (a *Agent) Type() string              { return AgentType }
func (a *Agent) Action() domain.ActionKind { return domain.ActionRead }

// Execute generates the briefing (never failing) and delivers it. Payload
// channels override the user's saved channels.
func (a *Agent) Execute(ctx context.Context, ec *runtime.ExecContext, in runtime.TaskInput) (*runtime.Result, error) {
	var p queue.BriefingPayload
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return nil, fmt.Errorf("briefing payload: %w", err)
		}
	}

	b := a.pipeline.GenerateWithFallback(ctx, ec.UserID)

	if err := ec.Step(ctx); err != nil {
		return nil, err
	}

	channels := domain.ParseChannels(p.Channels)
	if len(channels) == 0 && ec.User != nil {
		channels = ec.User.Preferences.Channels
	}
	if len(channels) == 0 {
		channels = []domain.Channel{domain.ChannelInApp}
	}
	delivered := a.pipeline.Deliver(ctx, b, channels)

	data, err := json.Marshal(map[string]any{
		"briefing_id": b.ID,
		"type":        b.Type,
		"delivered":   delivered,
		"retry":       p.Retry,
	})
	if err != nil {
		return nil, err
	}
	title := "Daily briefing ready"
	if b.Type == domain.BriefingLite {
		title = "Daily briefing delayed, sent your most recent one"
	}
	return &runtime.Result{
		Data:       data,
		Rationale:  "scheduled daily briefing",
		Confidence: 1,
		Title:      title,
	}, nil
}
