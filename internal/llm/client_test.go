package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const goodOutput = `{
  "summary": "Two strong matches and one interview to confirm.",
  "actions_needed": [{"title": "Confirm interview with Acme", "priority": "high"}],
  "new_matches": [{"job_id": "j1", "title": "Backend Engineer", "company": "Acme", "score": 0.91}],
  "activity_log": [{"title": "Applied to Globex", "severity": "info", "at": "2026-10-16T09:00:00Z"}],
  "metrics": {"applications_sent": 3, "response_rate": 0.33}
}`

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *chatRequest) {
	t.Helper()
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: url, APIKey: "sk-test", Model: "test-model", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSummarize_ValidOutput(t *testing.T) {
	srv, req := chatServer(t, http.StatusOK, goodOutput)
	c := newTestClient(t, srv.URL)

	got, err := c.Summarize(context.Background(), json.RawMessage(`{"matches":[]}`))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got.Summary == "" || len(got.ActionsNeeded) != 1 || len(got.NewMatches) != 1 || got.Metrics["applications_sent"] != 3 {
		t.Fatalf("unexpected content: %+v", got)
	}
	if req.Model != "test-model" || req.ResponseFormat.Type != "json_schema" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[1].Content != `{"matches":[]}` {
		t.Fatalf("aggregated data not forwarded: %+v", req.Messages)
	}
}

func TestSummarize_RejectsSchemaViolation(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, `{"summary": "", "metrics": {}}`)
	c := newTestClient(t, srv.URL)

	_, err := c.Summarize(context.Background(), json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "schema validation") {
		t.Fatalf("err = %v, want schema validation failure", err)
	}
}

func TestSummarize_RejectsNonJSON(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "Here is your briefing!")
	c := newTestClient(t, srv.URL)
	if _, err := c.Summarize(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for prose output")
	}
}

func TestSummarize_HTTPError(t *testing.T) {
	srv, _ := chatServer(t, http.StatusTooManyRequests, goodOutput)
	c := newTestClient(t, srv.URL)
	_, err := c.Summarize(context.Background(), json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("err = %v, want status error", err)
	}
}

func TestSummarize_HonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Summarize(ctx, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("call did not respect the context deadline")
	}
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	if _, err := NewClient(Config{Logger: zap.NewNop()}); err == nil {
		t.Fatal("expected error")
	}
}
