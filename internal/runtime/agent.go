package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hireloop/agentcore/internal/domain"
)

// Agent is one kind of autonomous worker. Implementations supply only the
// kind-specific logic; the Runtime owns the brake, tier, persistence and
// activity lifecycle around Execute.
type Agent interface {
	Type() string
	// Action is the base kind of the agent's run. Individual writes inside
	// Execute go through ExecContext.Authorize.
	Action() domain.ActionKind
	Execute(ctx context.Context, ec *ExecContext, in TaskInput) (*Result, error)
}

// TaskInput is the unit of work handed to an agent.
type TaskInput struct {
	AgentType string          `json:"agent_type"`
	TaskID    string          `json:"task_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	// ApprovalID is set when the run carries out an approved item.
	ApprovalID string `json:"approval_id,omitempty"`
}

// actionName is how the run is named to the gate and in approval items.
func (in TaskInput) actionName() string {
	if in.Kind != "" {
		return in.Kind
	}
	return in.AgentType
}

// Result is what an agent's Execute returns.
type Result struct {
	Data       json.RawMessage
	Rationale  string
	Confidence float64
	// Title overrides the completion activity title.
	Title string
}

// Registry maps agent types to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	r.agents[a.Type()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(agentType string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", agentType, domain.ErrUnknownTaskKind)
	}
	return a, nil
}

// Types returns the registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
