package brake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hireloop/agentcore/internal/activity"
	"github.com/hireloop/agentcore/internal/coord"
	"github.com/hireloop/agentcore/internal/domain"
	"github.com/hireloop/agentcore/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type mockApprovals struct {
	paused   atomic.Int32
	resumed  atomic.Int32
	onResume func()
}

func (m *mockApprovals) PauseAll(context.Context, string) (int64, error) {
	m.paused.Add(1)
	return 1, nil
}

func (m *mockApprovals) ResumeAll(context.Context, string) (int64, error) {
	m.resumed.Add(1)
	if m.onResume != nil {
		m.onResume()
	}
	return 1, nil
}

// mockInspector returns whatever the test says is running right now.
type mockInspector struct {
	mu      sync.Mutex
	running []string
	err     error
}

func (m *mockInspector) set(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = ids
}

func (m *mockInspector) RunningTaskIDs(context.Context, string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.running...), m.err
}

type mockEnqueuer struct {
	calls atomic.Int32
	mu    sync.Mutex
	lane  string
	typ   string
	opts  queue.Options
}

func (m *mockEnqueuer) Enqueue(_ context.Context, lane, taskType string, _ any, opts queue.Options) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lane, m.typ, m.opts = lane, taskType, opts
	return opts.TaskID, nil
}

type mockEmitter struct {
	mu     sync.Mutex
	events []activity.Input
}

func (m *mockEmitter) Emit(_ context.Context, in activity.Input) (*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, in)
	return &domain.Activity{}, nil
}

func (m *mockEmitter) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.EventType
	}
	return out
}

type harness struct {
	ctrl      *Controller
	approvals *mockApprovals
	inspector *mockInspector
	enq       *mockEnqueuer
	emit      *mockEmitter
	mr        *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		approvals: &mockApprovals{},
		inspector: &mockInspector{},
		enq:       &mockEnqueuer{},
		emit:      &mockEmitter{},
		mr:        mr,
	}
	h.ctrl = NewController(Config{
		Flags:     coord.New(rdb),
		Approvals: h.approvals,
		Inspector: h.inspector,
		Enqueuer:  h.enq,
		Emitter:   h.emit,
		Logger:    zap.NewNop(),
	})
	return h
}

func TestStatus_NoFlagIsRunning(t *testing.T) {
	h := newHarness(t)
	st, err := h.ctrl.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != domain.BrakeRunning {
		t.Fatalf("state = %s, want RUNNING", st.State)
	}
	active, _ := h.ctrl.IsActive(context.Background(), "u1")
	if active {
		t.Fatal("brake should be inactive by default")
	}
}

func TestActivate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.ctrl.Activate(ctx, "u1")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if st.State != domain.BrakePausing || st.ActivatedAt == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
	if active, _ := h.ctrl.IsActive(ctx, "u1"); !active {
		t.Fatal("IsActive must be true after Activate")
	}
	if h.approvals.paused.Load() != 1 {
		t.Fatal("pending approvals must be paused")
	}
	if h.enq.lane != queue.LaneControl || h.enq.typ != queue.TypeBrakeVerify {
		t.Errorf("verify enqueued on %s/%s", h.enq.lane, h.enq.typ)
	}
	if h.enq.opts.ProcessIn != DefaultVerifyDelay {
		t.Errorf("verify delay = %v, want %v", h.enq.opts.ProcessIn, DefaultVerifyDelay)
	}
	if h.enq.opts.TaskID == "" {
		t.Error("verify task must carry a dedupe id")
	}
	if got := h.emit.types(); len(got) != 1 || got[0] != domain.EventBrakeActivated {
		t.Errorf("events = %v", got)
	}
}

func TestActivate_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _ := h.ctrl.Activate(ctx, "u1")
	second, err := h.ctrl.Activate(ctx, "u1")
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if second.State != first.State || !second.ActivatedAt.Equal(*first.ActivatedAt) {
		t.Fatalf("second activation changed state: %+v vs %+v", second, first)
	}
	if h.enq.calls.Load() != 1 || h.approvals.paused.Load() != 1 {
		t.Fatalf("side effects repeated: enqueues=%d pauses=%d", h.enq.calls.Load(), h.approvals.paused.Load())
	}

	// Activating while PAUSED is also a no-op.
	_, _ = h.ctrl.VerifyCompletion(ctx, "u1")
	st, _ := h.ctrl.Activate(ctx, "u1")
	if st.State != domain.BrakePaused {
		t.Fatalf("state = %s, want PAUSED", st.State)
	}
}

func TestActivate_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.ctrl.Activate(ctx, "u1"); err != nil {
				t.Errorf("Activate: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.enq.calls.Load() != 1 {
		t.Fatalf("expected one verification, got %d", h.enq.calls.Load())
	}
	if h.approvals.paused.Load() != 1 {
		t.Fatalf("expected one pause, got %d", h.approvals.paused.Load())
	}
}

func TestVerifyCompletion_NoTasksPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctrl.Activate(ctx, "u1")

	st, err := h.ctrl.VerifyCompletion(ctx, "u1")
	if err != nil {
		t.Fatalf("VerifyCompletion: %v", err)
	}
	if st.State != domain.BrakePaused || len(st.StuckTaskIDs) != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	persisted, _ := h.ctrl.Status(ctx, "u1")
	if persisted.State != domain.BrakePaused {
		t.Fatalf("persisted state = %s", persisted.State)
	}
}

// Two tasks are running at activation; one finishes within the verify
// window and one does not.
func TestVerifyCompletion_PartialRecordsStuckTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.inspector.set("task-a", "task-b")
	_, _ = h.ctrl.Activate(ctx, "u1")
	h.inspector.set("task-b")

	st, err := h.ctrl.VerifyCompletion(ctx, "u1")
	if err != nil {
		t.Fatalf("VerifyCompletion: %v", err)
	}
	if st.State != domain.BrakePartial {
		t.Fatalf("state = %s, want PARTIAL", st.State)
	}
	if len(st.StuckTaskIDs) != 1 || st.StuckTaskIDs[0] != "task-b" {
		t.Fatalf("stuck = %v, want [task-b]", st.StuckTaskIDs)
	}

	persisted, _ := h.ctrl.Status(ctx, "u1")
	if persisted.State != domain.BrakePartial || len(persisted.StuckTaskIDs) != 1 {
		t.Fatalf("persisted = %+v", persisted)
	}
	got := h.emit.types()
	if got[len(got)-1] != domain.EventBrakePartial {
		t.Errorf("last event = %s, want %s", got[len(got)-1], domain.EventBrakePartial)
	}
}

func TestVerifyCompletion_Monotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// RUNNING stays RUNNING.
	st, err := h.ctrl.VerifyCompletion(ctx, "u1")
	if err != nil || st.State != domain.BrakeRunning {
		t.Fatalf("verify while running = %+v, %v", st, err)
	}

	_, _ = h.ctrl.Activate(ctx, "u1")
	_, _ = h.ctrl.VerifyCompletion(ctx, "u1")

	// A redelivered verification after settling must not move the state.
	h.inspector.set("late-task")
	st, _ = h.ctrl.VerifyCompletion(ctx, "u1")
	if st.State != domain.BrakePaused {
		t.Fatalf("state = %s, want PAUSED", st.State)
	}
}

func TestVerifyCompletion_InspectorError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctrl.Activate(ctx, "u1")

	h.inspector.err = errors.New("redis timeout")
	if _, err := h.ctrl.VerifyCompletion(ctx, "u1"); err == nil {
		t.Fatal("expected error so the task is retried")
	}
	st, _ := h.ctrl.Status(ctx, "u1")
	if st.State != domain.BrakePausing {
		t.Fatalf("state = %s, want PAUSING", st.State)
	}
}

func TestResume_FromRunningIsNoop(t *testing.T) {
	h := newHarness(t)
	st, err := h.ctrl.Resume(context.Background(), "u1")
	if err != nil || st.State != domain.BrakeRunning {
		t.Fatalf("Resume = %+v, %v", st, err)
	}
	if h.approvals.resumed.Load() != 0 || len(h.emit.types()) != 0 {
		t.Fatal("no-op resume must have no side effects")
	}
}

func TestResume_WhilePausingRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctrl.Activate(ctx, "u1")

	_, err := h.ctrl.Resume(ctx, "u1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if active, _ := h.ctrl.IsActive(ctx, "u1"); !active {
		t.Fatal("rejected resume must leave the brake on")
	}
}

func TestResume_FromPausedAndPartial(t *testing.T) {
	for _, running := range [][]string{nil, {"task-x"}} {
		h := newHarness(t)
		ctx := context.Background()

		h.inspector.set(running...)
		_, _ = h.ctrl.Activate(ctx, "u1")
		_, _ = h.ctrl.VerifyCompletion(ctx, "u1")

		st, err := h.ctrl.Resume(ctx, "u1")
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if st.State != domain.BrakeRunning {
			t.Fatalf("state = %s, want RUNNING", st.State)
		}
		if active, _ := h.ctrl.IsActive(ctx, "u1"); active {
			t.Fatal("flag must be cleared")
		}
		if h.mr.Exists(coord.BrakeKey("u1")) {
			t.Fatal("brake record must be removed")
		}
		if h.approvals.resumed.Load() != 1 {
			t.Fatal("paused approvals must return to pending")
		}

		// Second resume is a no-op.
		if _, err := h.ctrl.Resume(ctx, "u1"); err != nil {
			t.Fatalf("second Resume: %v", err)
		}
		if h.approvals.resumed.Load() != 1 {
			t.Fatal("second resume repeated side effects")
		}
	}
}

func TestActivateAfterResume_StartsNewCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctrl.Activate(ctx, "u1")
	_, _ = h.ctrl.VerifyCompletion(ctx, "u1")
	_, _ = h.ctrl.Resume(ctx, "u1")

	st, err := h.ctrl.Activate(ctx, "u1")
	if err != nil || st.State != domain.BrakePausing {
		t.Fatalf("re-activate = %+v, %v", st, err)
	}
	if h.enq.calls.Load() != 2 {
		t.Fatalf("expected a second verification, got %d", h.enq.calls.Load())
	}
}

func TestActivateDuringResume_Survives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctrl.Activate(ctx, "u1")
	_, _ = h.ctrl.VerifyCompletion(ctx, "u1")

	// A second brake press lands while Resume is still finishing up.
	h.approvals.onResume = func() {
		if _, err := h.ctrl.Activate(ctx, "u1"); err != nil {
			t.Errorf("Activate: %v", err)
		}
	}
	if _, err := h.ctrl.Resume(ctx, "u1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if active, _ := h.ctrl.IsActive(ctx, "u1"); !active {
		t.Fatal("the new brake must stay engaged")
	}
	st, err := h.ctrl.Status(ctx, "u1")
	if err != nil || st.State != domain.BrakePausing || st.ActivatedAt == nil {
		t.Fatalf("Status = %+v, %v; want PAUSING with its own record", st, err)
	}
}

func TestBrakeIsUserScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctrl.Activate(ctx, "u1")
	if active, _ := h.ctrl.IsActive(ctx, "u2"); active {
		t.Fatal("brake for u1 must not affect u2")
	}
}

func TestIsPermanent(t *testing.T) {
	now := time.Now()
	old := now.Add(-31 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	tests := []struct {
		name string
		st   domain.BrakeStatus
		want bool
	}{
		{"running", domain.BrakeStatus{State: domain.BrakeRunning}, false},
		{"paused long ago", domain.BrakeStatus{State: domain.BrakePaused, ActivatedAt: &old}, true},
		{"partial long ago", domain.BrakeStatus{State: domain.BrakePartial, ActivatedAt: &old}, true},
		{"paused recently", domain.BrakeStatus{State: domain.BrakePaused, ActivatedAt: &recent}, false},
		{"no timestamp", domain.BrakeStatus{State: domain.BrakePaused}, false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.st, now, PermanentAfter); got != tt.want {
			t.Errorf("%s: IsPermanent = %v, want %v", tt.name, got, tt.want)
		}
	}
}
