package router

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"gopkg.in/yaml.v3"
)

// Route maps a task kind to the lane and agent that serve it.
type Route struct {
	Kind      string            `yaml:"kind"`
	Lane      string            `yaml:"lane"`
	Action    domain.ActionKind `yaml:"action"`
	AgentType string            `yaml:"agent_type"`
	MaxRetry  int               `yaml:"max_retry"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// DefaultRoutes is the built-in route table.
func DefaultRoutes() []Route {
	return []Route{
		{Kind: "briefing", Lane: queue.LaneBriefings, Action: domain.ActionRead, AgentType: "briefing", MaxRetry: 2, Timeout: 2 * time.Minute},
		{Kind: "job_match", Lane: queue.LaneAgents, Action: domain.ActionRead, AgentType: "job_match", MaxRetry: 3, Timeout: 5 * time.Minute},
		{Kind: "resume_tailor", Lane: queue.LaneAgents, Action: domain.ActionRead, AgentType: "resume_tailor", MaxRetry: 3, Timeout: 5 * time.Minute},
		{Kind: "interview_prep", Lane: queue.LaneAgents, Action: domain.ActionRead, AgentType: "interview_prep", MaxRetry: 3, Timeout: 5 * time.Minute},
		{Kind: "submit_application", Lane: queue.LaneAgents, Action: domain.ActionWrite, AgentType: "apply", MaxRetry: 2, Timeout: 10 * time.Minute},
		{Kind: "withdraw_application", Lane: queue.LaneAgents, Action: domain.ActionWrite, AgentType: "apply", MaxRetry: 2, Timeout: 5 * time.Minute},
		{Kind: "send_outreach_email", Lane: queue.LaneAgents, Action: domain.ActionWrite, AgentType: "outreach", MaxRetry: 2, Timeout: 5 * time.Minute},
		{Kind: "schedule_interview", Lane: queue.LaneAgents, Action: domain.ActionWrite, AgentType: "interview_scheduler", MaxRetry: 2, Timeout: 5 * time.Minute},
	}
}

// Table is an immutable kind -> route lookup.
type Table struct {
	routes map[string]Route
}

// NewTable validates routes and builds a table. Later entries replace
// earlier ones with the same kind.
func NewTable(routes []Route) (*Table, error) {
	lanes := queue.LaneWeights()
	t := &Table{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		if r.Kind == "" || r.AgentType == "" {
			return nil, fmt.Errorf("route %q: kind and agent_type are required", r.Kind)
		}
		if _, ok := lanes[r.Lane]; !ok {
			return nil, fmt.Errorf("route %q: unknown lane %q", r.Kind, r.Lane)
		}
		if !r.Action.Valid() {
			return nil, fmt.Errorf("route %q: unknown action %q", r.Kind, r.Action)
		}
		if r.MaxRetry < 0 {
			r.MaxRetry = 0
		}
		t.routes[r.Kind] = r
	}
	return t, nil
}

// Lookup returns the route for kind.
func (t *Table) Lookup(kind string) (Route, bool) {
	r, ok := t.routes[kind]
	return r, ok
}

// Kinds returns every routed task kind in sorted order.
func (t *Table) Kinds() []string {
	out := make([]string, 0, len(t.routes))
	for k := range t.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadTable returns the default table overlaid with the routes in path.
// An empty path yields the defaults.
func LoadTable(path string) (*Table, error) {
	routes := DefaultRoutes()
	if path == "" {
		return NewTable(routes)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadTable: %w", err)
	}
	overrides, err := parseRoutes(b)
	if err != nil {
		return nil, fmt.Errorf("LoadTable %s: %w", path, err)
	}
	return NewTable(append(routes, overrides...))
}

func parseRoutes(b []byte) ([]Route, error) {
	var f routeFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f.Routes, nil
}
