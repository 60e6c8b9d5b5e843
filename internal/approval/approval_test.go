package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"go.uber.org/zap"
)

// memStore mirrors the conditional UPDATE semantics of the Postgres store.
type memStore struct {
	mu    sync.Mutex
	items map[string]*domain.ApprovalItem
	now   func() time.Time
}

func newMemStore() *memStore {
	return &memStore{items: map[string]*domain.ApprovalItem{}, now: time.Now}
}

func (m *memStore) InsertApproval(_ context.Context, a *domain.ApprovalItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *memStore) GetApproval(_ context.Context, id string) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) DecideApproval(_ context.Context, id, userID string, status domain.ApprovalStatus, reason *string) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.UserID != userID {
		return nil, domain.ErrNotFound
	}
	if a.Status != domain.ApprovalPending || !a.ExpiresAt.After(m.now()) {
		return nil, domain.ErrNotPending
	}
	now := m.now()
	a.Status = status
	a.DecisionReason = reason
	a.DecidedAt = &now
	cp := *a
	return &cp, nil
}

func (m *memStore) ConsumeApproval(_ context.Context, id, userID string) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.UserID != userID {
		return nil, domain.ErrNotFound
	}
	if a.Status != domain.ApprovalApproved || a.ExecutedAt != nil {
		return nil, domain.ErrNotPending
	}
	now := m.now()
	a.ExecutedAt = &now
	cp := *a
	return &cp, nil
}

func (m *memStore) RepauseApproval(_ context.Context, id, userID string) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.UserID != userID {
		return nil, domain.ErrNotFound
	}
	if a.Status != domain.ApprovalApproved || a.ExecutedAt != nil {
		return nil, domain.ErrNotPending
	}
	a.Status = domain.ApprovalPaused
	a.DecidedAt = nil
	a.DecisionReason = nil
	cp := *a
	return &cp, nil
}

func (m *memStore) ExpireApprovals(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.items {
		if a.Status == domain.ApprovalPending && !a.ExpiresAt.After(m.now()) {
			a.Status = domain.ApprovalExpired
			n++
		}
	}
	return n, nil
}

func (m *memStore) TransitionApprovals(_ context.Context, userID string, from, to domain.ApprovalStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.items {
		if a.UserID == userID && a.Status == from {
			a.Status = to
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListApprovals(_ context.Context, userID string, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ApprovalItem
	for _, a := range m.items {
		if a.UserID == userID && (status == "" || a.Status == status) {
			cp := *a
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockEnqueuer struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  queue.Options
	types []string
	err   error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, _, taskType string, _ any, opts queue.Options) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = opts
	m.types = append(m.types, taskType)
	return opts.TaskID, m.err
}

type mockEmitter struct {
	mu     sync.Mutex
	inputs []activity.Input
}

func (m *mockEmitter) Emit(_ context.Context, in activity.Input) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	return &domain.Activity{}, nil
}

func newTestService() (*Service, *memStore, *mockEnqueuer, *mockEmitter) {
	st, enq, em := newMemStore(), &mockEnqueuer{}, &mockEmitter{}
	svc := NewService(Config{Store: st, Enqueuer: enq, Emitter: em, Logger: zap.NewNop()})
	return svc, st, enq, em
}

func TestCreate_PendingWithFutureExpiry(t *testing.T) {
	svc, _, _, em := newTestService()

	item, err := svc.Create(context.Background(), CreateParams{
		UserID: "u1", AgentType: "apply", ActionName: "submit_application",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if item.Status != domain.ApprovalPending {
		t.Errorf("status = %s, want pending", item.Status)
	}
	if !item.ExpiresAt.After(time.Now()) {
		t.Error("expiry must be in the future")
	}
	if got := item.ExpiresAt.Sub(item.CreatedAt); got != 24*time.Hour {
		t.Errorf("submit_application expiry = %v, want 24h", got)
	}
	if len(em.inputs) != 1 || em.inputs[0].Severity != domain.SeverityActionRequired {
		t.Fatalf("expected one action_required event, got %+v", em.inputs)
	}
}

func TestExpiryFor_DefaultsTo48h(t *testing.T) {
	svc, _, _, _ := newTestService()
	if got := svc.ExpiryFor("some_new_action"); got != DefaultExpiry {
		t.Errorf("ExpiryFor = %v, want %v", got, DefaultExpiry)
	}
}

func TestApprove_SecondApprovalRejected(t *testing.T) {
	svc, _, enq, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", AgentType: "apply", ActionName: "submit_application"})

	approved, err := svc.Approve(ctx, "u1", item.ID, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != domain.ApprovalApproved || approved.DecidedAt == nil {
		t.Fatalf("unexpected approved item: %+v", approved)
	}
	if enq.last.TaskID != ExecuteTaskID(item.ID) {
		t.Errorf("execution task id = %q", enq.last.TaskID)
	}

	_, err = svc.Approve(ctx, "u1", item.ID, nil)
	if !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("second Approve err = %v, want ErrNotPending", err)
	}
	if enq.calls.Load() != 1 {
		t.Fatalf("expected exactly one execution enqueued, got %d", enq.calls.Load())
	}
}

func TestApprove_ConcurrentOnlyOneWins(t *testing.T) {
	svc, _, enq, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", AgentType: "apply", ActionName: "submit_application"})

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Approve(ctx, "u1", item.ID, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || enq.calls.Load() != 1 {
		t.Fatalf("wins = %d, enqueues = %d; want 1, 1", wins.Load(), enq.calls.Load())
	}
}

func TestApprove_OtherUserNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "submit_application"})

	if _, err := svc.Approve(ctx, "u2", item.ID, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReject_ThenApproveFails(t *testing.T) {
	svc, _, enq, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "send_outreach_email"})

	reason := "not interested"
	rejected, err := svc.Reject(ctx, "u1", item.ID, &reason)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != domain.ApprovalRejected || *rejected.DecisionReason != reason {
		t.Fatalf("unexpected rejected item: %+v", rejected)
	}
	if _, err := svc.Approve(ctx, "u1", item.ID, nil); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("Approve after reject err = %v", err)
	}
	if enq.calls.Load() != 0 {
		t.Fatal("rejected item must never be executed")
	}
}

func TestExpireSweep(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "submit_application"})

	st.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	n, err := svc.ExpireSweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireSweep = %d, %v; want 1", n, err)
	}
	got, _ := svc.Get(ctx, "u1", item.ID)
	if got.Status != domain.ApprovalExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if _, err := svc.Approve(ctx, "u1", item.ID, nil); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("Approve after expiry err = %v", err)
	}
}

func TestPauseResume_ReturnsToPending(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "submit_application"})
	other, _ := svc.Create(ctx, CreateParams{UserID: "u2", ActionName: "submit_application"})

	if n, _ := svc.PauseAll(ctx, "u1"); n != 1 {
		t.Fatalf("PauseAll paused %d, want 1", n)
	}
	if _, err := svc.Approve(ctx, "u1", item.ID, nil); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("paused item must not be approvable, err = %v", err)
	}
	if got, _ := svc.Get(ctx, "u2", other.ID); got.Status != domain.ApprovalPending {
		t.Fatal("pause must be user-scoped")
	}

	if n, _ := svc.ResumeAll(ctx, "u1"); n != 1 {
		t.Fatalf("ResumeAll resumed %d, want 1", n)
	}
	got, _ := svc.Get(ctx, "u1", item.ID)
	if got.Status != domain.ApprovalPending {
		t.Fatalf("status after resume = %s, want pending", got.Status)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.Get(context.Background(), "u1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConsume_SpendsApprovalOnce(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "submit_application"})

	if _, err := svc.Consume(ctx, "u1", item.ID); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("pending item consumed, err = %v", err)
	}
	if _, err := svc.Approve(ctx, "u1", item.ID, nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := svc.Consume(ctx, "u1", item.ID); err == nil && got.ExecutedAt != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("consumed %d times, want 1", wins.Load())
	}
	if _, err := svc.Consume(ctx, "u2", item.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("other user err = %v, want ErrNotFound", err)
	}
}

func TestRepause_ReturnsToPendingOnResume(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "submit_application"})
	if _, err := svc.Approve(ctx, "u1", item.ID, nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	paused, err := svc.Repause(ctx, "u1", item.ID)
	if err != nil {
		t.Fatalf("Repause: %v", err)
	}
	if paused.Status != domain.ApprovalPaused || paused.DecidedAt != nil {
		t.Fatalf("unexpected item %+v", paused)
	}
	if _, err := svc.Consume(ctx, "u1", item.ID); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("paused item consumed, err = %v", err)
	}
	if n, _ := svc.ResumeAll(ctx, "u1"); n != 1 {
		t.Fatalf("ResumeAll resumed %d, want 1", n)
	}
	if got, _ := svc.Get(ctx, "u1", item.ID); got.Status != domain.ApprovalPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestRepause_SpentItemUntouched(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	item, _ := svc.Create(ctx, CreateParams{UserID: "u1", ActionName: "submit_application"})
	_, _ = svc.Approve(ctx, "u1", item.ID, nil)
	if _, err := svc.Consume(ctx, "u1", item.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := svc.Repause(ctx, "u1", item.ID); !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
}
