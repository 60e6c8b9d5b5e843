package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

const (
	defaultModel = "gpt-4o-mini"
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
	instruction      = "Summarize the user's job-search data as JSON matching the schema. Use only facts present in the data."
)

// Config configures a Client. Endpoint is an OpenAI-compatible chat
// completions URL.
type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the summarization model over HTTP and validates its
// structured output.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	schema   *jsonschema.Schema
	rawSch   any
	logger   *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("NewClient: endpoint is required")
	}
	sch, raw, err := compileSchema(briefingSchema)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}

	cfg.Logger.Info("summarizer configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("model", model),
	)
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		http:     hc,
		schema:   sch,
		rawSch:   raw,
		logger:   cfg.Logger,
	}, nil
}

func compileSchema(src string) (*jsonschema.Schema, any, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("briefing.json", doc); err != nil {
		return nil, nil, err
	}
	sch, err := c.Compile("briefing.json")
	if err != nil {
		return nil, nil, err
	}
	return sch, doc, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize sends the aggregated data and returns the validated digest.
// The caller's context bounds the call.
func (c *Client) Summarize(ctx context.Context, data json.RawMessage) (*domain.BriefingContent, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: string(data)},
		},
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: map[string]any{
				"name":   "briefing",
				"schema": c.rawSch,
				"strict": true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Summarize: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Summarize: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Summarize: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("Summarize: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Summarize: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("Summarize: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("Summarize: empty response")
	}

	content, err := c.parse(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("Summarize: %w", err)
	}

	c.logger.Debug("summary generated",
		zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
		zap.Int("actions", len(content.ActionsNeeded)),
		zap.Int("matches", len(content.NewMatches)),
	)
	return content, nil
}

// parse validates the model's JSON against the briefing schema before
// decoding it.
func (c *Client) parse(s string) (*domain.BriefingContent, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("output failed schema validation: %w", err)
	}
	var content domain.BriefingContent
	if err := json.Unmarshal([]byte(s), &content); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if content.Metrics == nil {
		content.Metrics = map[string]float64{}
	}
	return &content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("summarizer not configured")

// Unconfigured stands in when no model endpoint is set. Every briefing
// then degrades to the lite fallback.
type Unconfigured struct{}

func (Unconfigured) Summarize(context.Context, json.RawMessage) (*domain.BriefingContent, error) {
	return nil, ErrNotConfigured
}
