package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hireloop/agentcore/internal/domain"
)

type fakeBrake struct {
	calls []string
	err   error
}

func (f *fakeBrake) op(name, user string) (domain.BrakeStatus, error) {
	f.calls = append(f.calls, name+":"+user)
	return domain.BrakeStatus{UserID: user, State: domain.BrakePausing}, f.err
}

func (f *fakeBrake) Activate(_ context.Context, u string) (domain.BrakeStatus, error) {
	return f.op("activate", u)
}
func (f *fakeBrake) Resume(_ context.Context, u string) (domain.BrakeStatus, error) {
	return f.op("resume", u)
}
func (f *fakeBrake) Status(_ context.Context, u string) (domain.BrakeStatus, error) {
	return f.op("status", u)
}
func (f *fakeBrake) VerifyCompletion(_ context.Context, u string) (domain.BrakeStatus, error) {
	return f.op("verify", u)
}

type fakeMaint struct{ swept, corrected, expired int }

func (f *fakeMaint) Sweep(context.Context) (int, error)          { return f.swept, nil }
func (f *fakeMaint) CorrectOffsets(context.Context) (int, error) { return f.corrected, nil }
func (f *fakeMaint) ExpireSweep(context.Context) (int64, error)  { return int64(f.expired), nil }

type fakeMigrator struct{ ran bool }

func (f *fakeMigrator) Migrate(context.Context) error { f.ran = true; return nil }

type harness struct {
	brake    *fakeBrake
	maint    *fakeMaint
	mig      *fakeMigrator
	released int
	openErr  error
}

func (h *harness) opener() opener {
	return opener{
		backend: func(context.Context) (*backend, error) {
			if h.openErr != nil {
				return nil, h.openErr
			}
			return &backend{
				Brake:     h.brake,
				Schedules: h.maint,
				Approvals: h.maint,
				release:   func() { h.released++ },
			}, nil
		},
		migrator: func(context.Context) (Migrator, func(), error) {
			return h.mig, func() { h.released++ }, nil
		},
	}
}

func newHarness() *harness {
	return &harness{brake: &fakeBrake{}, maint: &fakeMaint{swept: 2, corrected: 3, expired: 4}, mig: &fakeMigrator{}}
}

func run(t *testing.T, h *harness, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(h.opener())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBrakeCommands(t *testing.T) {
	for _, sub := range []string{"activate", "resume", "status", "verify"} {
		h := newHarness()
		out, err := run(t, h, "brake", sub, "--user", "u1")
		if err != nil {
			t.Fatalf("brake %s: %v", sub, err)
		}
		if len(h.brake.calls) != 1 || h.brake.calls[0] != sub+":u1" {
			t.Fatalf("brake %s: calls = %v", sub, h.brake.calls)
		}
		var st domain.BrakeStatus
		if err := json.Unmarshal([]byte(out), &st); err != nil {
			t.Fatalf("brake %s: output not JSON: %q", sub, out)
		}
		if st.UserID != "u1" || st.State != domain.BrakePausing {
			t.Fatalf("brake %s: printed %+v", sub, st)
		}
		if h.released != 1 {
			t.Fatalf("brake %s: released %d times", sub, h.released)
		}
	}
}

func TestBrakeRequiresUser(t *testing.T) {
	h := newHarness()
	if _, err := run(t, h, "brake", "activate"); err == nil {
		t.Fatal("expected an error without --user")
	}
	if len(h.brake.calls) != 0 {
		t.Fatal("brake must not be touched without a user")
	}
}

func TestBrakeErrorPropagates(t *testing.T) {
	h := newHarness()
	h.brake.err = errors.New("redis down")
	_, err := run(t, h, "brake", "activate", "--user", "u1")
	if err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("err = %v", err)
	}
}

func TestMaintenanceCommands(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"schedules", "sweep"}, "removed 2 schedule(s)"},
		{[]string{"schedules", "dst"}, "corrected 3 schedule(s)"},
		{[]string{"approvals", "sweep"}, "expired 4 approval(s)"},
	}
	for _, c := range cases {
		out, err := run(t, newHarness(), c.args...)
		if err != nil {
			t.Fatalf("%v: %v", c.args, err)
		}
		if !strings.Contains(out, c.want) {
			t.Errorf("%v: output %q, want %q", c.args, out, c.want)
		}
	}
}

func TestMigrate(t *testing.T) {
	h := newHarness()
	out, err := run(t, h, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !h.mig.ran || h.released != 1 {
		t.Fatalf("ran=%v released=%d", h.mig.ran, h.released)
	}
	if !strings.Contains(out, "schema up to date") {
		t.Fatalf("output %q", out)
	}
}

func TestOpenFailure(t *testing.T) {
	h := newHarness()
	h.openErr = errors.New("POSTGRES_DSN is required")
	if _, err := run(t, h, "approvals", "sweep"); err == nil {
		t.Fatal("expected open error")
	}
}
