package activity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/storage"
	"go.uber.org/zap"
)

type mockRows struct {
	mu   sync.Mutex
	rows []*domain.Activity
	err  error
}

func (m *mockRows) InsertActivity(_ context.Context, a *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, a)
	return nil
}

type mockPub struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (m *mockPub) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
	m.payloads = append(m.payloads, payload)
	return m.err
}

type mockSink struct {
	mu     sync.Mutex
	events []*storage.ControlEvent
}

func (m *mockSink) Write(e *storage.ControlEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockSink) Close() {}

func TestEmit_WritesRowPushesAndAudits(t *testing.T) {
	rows, pub, sink := &mockRows{}, &mockPub{}, &mockSink{}
	e := NewEmitter(rows, pub, sink, zap.NewNop())

	a, err := e.Emit(context.Background(), Input{
		UserID:    "u1",
		EventType: domain.EventAgentCompleted,
		AgentType: "job_search",
		Title:     "Found 3 new matches",
		Data:      map[string]any{"count": 3},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if a.Severity != domain.SeverityInfo {
		t.Errorf("default severity = %s, want info", a.Severity)
	}
	if len(rows.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows.rows))
	}
	if len(pub.channels) != 1 || pub.channels[0] != coord.EventsChannel("u1") {
		t.Fatalf("unexpected publish channels: %v", pub.channels)
	}

	var ev map[string]any
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	for _, k := range []string{"type", "event_id", "timestamp", "user_id", "agent_type", "title", "severity", "data"} {
		if _, ok := ev[k]; !ok {
			t.Errorf("event missing key %q", k)
		}
	}
	if ev["event_id"] != a.ID {
		t.Errorf("event_id = %v, want row id %s", ev["event_id"], a.ID)
	}

	if len(sink.events) != 1 || sink.events[0].Kind != storage.KindActivity {
		t.Fatalf("unexpected sink events: %v", sink.events)
	}
}

func TestEmit_OmitsAgentTypeWhenEmpty(t *testing.T) {
	pub := &mockPub{}
	e := NewEmitter(&mockRows{}, pub, nil, zap.NewNop())
	if _, err := e.Emit(context.Background(), Input{UserID: "u1", EventType: domain.EventBrakeActivated}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var ev map[string]any
	_ = json.Unmarshal(pub.payloads[0], &ev)
	if _, ok := ev["agent_type"]; ok {
		t.Error("agent_type should be omitted when empty")
	}
}

func TestEmit_RowFailureStillPushes(t *testing.T) {
	pub := &mockPub{}
	e := NewEmitter(&mockRows{err: errors.New("db down")}, pub, nil, zap.NewNop())

	_, err := e.Emit(context.Background(), Input{UserID: "u1", EventType: domain.EventAgentFailed})
	if err == nil {
		t.Fatal("expected row error to be returned")
	}
	if len(pub.channels) != 1 {
		t.Fatal("expected publish despite row failure")
	}
}

func TestEmit_PublishFailureIsNotAnError(t *testing.T) {
	e := NewEmitter(&mockRows{}, &mockPub{err: errors.New("redis down")}, nil, zap.NewNop())
	if _, err := e.Emit(context.Background(), Input{UserID: "u1", EventType: domain.EventAgentCompleted}); err != nil {
		t.Fatalf("publish failure must be best-effort, got %v", err)
	}
}
