package usercontext

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"go.uber.org/zap"
)

type mockStore struct {
	mu      sync.Mutex
	tier    domain.AutonomyTier
	missing bool
	err     error
	loads   atomic.Int32
}

func (m *mockStore) GetPreferences(_ context.Context, userID string) (*domain.Preferences, error) {
	m.loads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.missing {
		return nil, nil
	}
	return &domain.Preferences{UserID: userID, Tier: m.tier, Timezone: "UTC"}, nil
}

func (m *mockStore) GetProfile(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"headline":"Backend engineer"}`), nil
}

func (m *mockStore) ListAgentOutputs(context.Context, string, int) ([]*domain.AgentOutput, error) {
	return []*domain.AgentOutput{{ID: "o1", AgentType: "job_match"}}, nil
}

func (m *mockStore) setTier(t domain.AutonomyTier) {
	m.mu.Lock()
	m.tier = t
	m.mu.Unlock()
}

func TestCache_FreshHit(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("u1", &Bundle{UserID: "u1"})

	r := c.Get("u1")
	if !r.Hit || r.NeedsRefresh {
		t.Fatalf("got %+v, want fresh hit", r)
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set("u1", &Bundle{UserID: "u1"})
	time.Sleep(5 * time.Millisecond)

	if r := c.Get("u1"); !r.Hit || !r.NeedsRefresh {
		t.Fatalf("first stale read: %+v", r)
	}
	if r := c.Get("u1"); !r.Hit || r.NeedsRefresh {
		t.Fatalf("second stale read: %+v", r)
	}
}

func TestLoad_CachesBundle(t *testing.T) {
	st := &mockStore{tier: domain.TierL2}
	l := NewLoader(st, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		b, err := l.Load(context.Background(), "u1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if b.Preferences.Tier != domain.TierL2 || len(b.RecentOutputs) != 1 || len(b.Profile) == 0 {
			t.Fatalf("unexpected bundle: %+v", b)
		}
	}
	if n := st.loads.Load(); n != 1 {
		t.Errorf("store loads = %d, want 1", n)
	}
}

func TestLoad_MissingUser(t *testing.T) {
	l := NewLoader(&mockStore{missing: true}, time.Minute, zap.NewNop())
	_, err := l.Load(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoad_StoreError(t *testing.T) {
	l := NewLoader(&mockStore{err: errors.New("db down")}, time.Minute, zap.NewNop())
	if _, err := l.Load(context.Background(), "u1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_StaleServedThenRefreshed(t *testing.T) {
	st := &mockStore{tier: domain.TierL1}
	l := NewLoader(st, time.Millisecond, zap.NewNop())

	if _, err := l.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st.setTier(domain.TierL3)
	time.Sleep(5 * time.Millisecond)

	b, err := l.Load(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Preferences.Tier != domain.TierL1 {
		t.Fatalf("stale read tier = %s, want L1", b.Preferences.Tier)
	}

	deadline := time.Now().Add(time.Second)
	for st.loads.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st.loads.Load() < 2 {
		t.Fatal("background refresh never ran")
	}
}

func TestInvalidate_ReadsThrough(t *testing.T) {
	st := &mockStore{tier: domain.TierL1}
	l := NewLoader(st, time.Hour, zap.NewNop())
	_, _ = l.Tier(context.Background(), "u1")

	st.setTier(domain.TierL3)
	l.Invalidate("u1")

	tier, err := l.Tier(context.Background(), "u1")
	if err != nil || tier != domain.TierL3 {
		t.Fatalf("Tier after invalidate = %s, %v", tier, err)
	}
}

func TestTier_NeverServesExpiredEntry(t *testing.T) {
	st := &mockStore{tier: domain.TierL3}
	l := NewLoader(st, time.Millisecond, zap.NewNop())
	if _, err := l.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Downgrade lands after the bundle was cached.
	st.setTier(domain.TierL1)
	time.Sleep(5 * time.Millisecond)

	tier, err := l.Tier(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Tier: %v", err)
	}
	if tier != domain.TierL1 {
		t.Fatalf("Tier = %s, want L1 from the store", tier)
	}
}

func TestTier_FreshEntryServedFromCache(t *testing.T) {
	st := &mockStore{tier: domain.TierL2}
	l := NewLoader(st, time.Hour, zap.NewNop())
	if _, err := l.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := st.loads.Load()

	tier, err := l.Tier(context.Background(), "u1")
	if err != nil || tier != domain.TierL2 {
		t.Fatalf("Tier = %s, %v", tier, err)
	}
	if st.loads.Load() != before {
		t.Fatal("fresh entry must not hit the store")
	}
}

func TestTier_MissingUser(t *testing.T) {
	l := NewLoader(&mockStore{missing: true}, time.Minute, zap.NewNop())
	if _, err := l.Tier(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
