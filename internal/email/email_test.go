package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"go.uber.org/zap"
)

func TestRenderBriefing(t *testing.T) {
	b := &domain.Briefing{
		GeneratedAt: time.Date(2026, 10, 16, 13, 0, 0, 0, time.UTC),
		Content: domain.BriefingContent{
			Summary:       "Busy day <script>alert(1)</script>",
			ActionsNeeded: []domain.ActionItem{{Title: "Approve application", Link: "https://app.example.com/a/1"}},
			NewMatches:    []domain.MatchItem{{Title: "Backend Engineer", Company: "Acme", Score: 0.87}},
		},
	}
	subject, body, err := RenderBriefing(b, nil)
	if err != nil {
		t.Fatalf("RenderBriefing: %v", err)
	}
	if subject != "Your briefing for Fri, Oct 16 (1 to review)" {
		t.Errorf("subject = %q", subject)
	}
	if strings.Contains(body, "<script>") {
		t.Error("summary must be HTML-escaped")
	}
	for _, want := range []string{"Approve application", "Backend Engineer at Acme (87%)", "https://app.example.com/a/1"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestRenderBriefing_UsesUserZone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	b := &domain.Briefing{GeneratedAt: time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)}
	subject, _, err := RenderBriefing(b, loc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(subject, "Sat, Oct 17") {
		t.Errorf("subject = %q, want local date", subject)
	}
}

func TestBuildMessage_RejectsBadAddress(t *testing.T) {
	if _, err := buildMessage("agent@example.com", "not-an-address", "s", "<p>x</p>"); err == nil {
		t.Fatal("expected address error")
	}
	if _, err := buildMessage("agent@example.com", "user@example.com", "s", "<p>x</p>"); err != nil {
		t.Fatalf("buildMessage: %v", err)
	}
}

func TestNopSender(t *testing.T) {
	err := NewNopSender(zap.NewNop()).Send(context.Background(), "user@example.com", "s", "b")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestNewSMTPSender_Validation(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"}, zap.NewNop()); err == nil {
		t.Fatal("missing from must be rejected")
	}
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "agent@example.com", Username: "u", Password: "p"}, zap.NewNop()); err != nil {
		t.Fatalf("NewSMTPSender: %v", err)
	}
}
