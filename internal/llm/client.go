// Package llm talks to the local inference service (Ollama-compatible) as
// an opaque JSON oracle. Any transport error, non-2xx status, or malformed
// reply yields a nil decision and the engine skips that service for the
// cycle.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wopr/fleet/internal/circuitbreaker"
	"github.com/wopr/fleet/internal/core"
)

const systemPrompt = `You are the remediation classifier for a self-hosted server fleet.
Given recent errors for one service, decide the remediation tier.
Respond with a single JSON object:
{"tier": "auto"|"suggest"|"escalate", "action": "<short action name>",
 "confidence": 0.0-1.0, "reasoning": "<one sentence>",
 "service": "<service>", "error_pattern": "<short label>"}
Only propose "auto" for routine, reversible operations.`

const analysisTemplate = `Service: %s

Recent errors (newest first):
%s

Classify the failure and propose a remediation.`

// Client issues JSON-mode generation requests.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient builds a client for the given endpoint and model id.
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
		breaker: circuitbreaker.New(circuitbreaker.DefaultInferenceConfig()),
	}
}

// Model reports the configured model id.
func (c *Client) Model() string { return c.model }

// Reachable probes the inference endpoint.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// generateRequest is the outbound inference contract.
type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// rawDecision tolerates the model omitting fields; defaults are filled in
// before the decision leaves this package.
type rawDecision struct {
	Tier         string   `json:"tier"`
	Action       string   `json:"action"`
	Confidence   *float64 `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Service      string   `json:"service"`
	ErrorPattern string   `json:"error_pattern"`
}

// Classify asks the model to classify one service's error digest. Returns
// nil when the reply is unusable for any reason.
func (c *Client) Classify(ctx context.Context, service string, errs []core.ErrorRecord) *core.Decision {
	if err := c.breaker.Allow(); err != nil {
		slog.Warn("inference skipped", "service", service, "reason", err)
		return nil
	}

	d, err := c.classify(ctx, service, errs)
	c.breaker.Record(err == nil)
	if err != nil {
		slog.Warn("inference failed", "service", service, "error", err)
		return nil
	}
	return d
}

func (c *Client) classify(ctx context.Context, service string, errs []core.ErrorRecord) (*core.Decision, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		System: systemPrompt,
		Prompt: fmt.Sprintf(analysisTemplate, service, Digest(errs, 10)),
		Stream: false,
		Format: "json",
		Options: generateOptions{
			Temperature: 0.1,
			NumPredict:  300,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var gen generateResponse
	if err := json.Unmarshal(payload, &gen); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(gen.Response), &raw); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	return normalize(raw, service), nil
}

// normalize fills defaults and maps loose tier spellings onto the fixed
// enum. Anything unrecognized escalates.
func normalize(raw rawDecision, service string) *core.Decision {
	d := &core.Decision{
		Tier:         core.TierEscalate,
		Action:       "investigate",
		Confidence:   0.5,
		Reasoning:    raw.Reasoning,
		Service:      service,
		ErrorPattern: raw.ErrorPattern,
	}

	switch strings.ToLower(strings.TrimSpace(raw.Tier)) {
	case "auto", "tier1_auto", "tier1":
		d.Tier = core.TierAuto
	case "suggest", "tier2_suggest", "tier2":
		d.Tier = core.TierSuggest
	}
	if raw.Action != "" {
		d.Action = raw.Action
	}
	if raw.Confidence != nil {
		d.Confidence = *raw.Confidence
	}
	if raw.Service != "" {
		d.Service = raw.Service
	}
	return d
}

// Digest renders up to limit error records as prompt lines.
func Digest(errs []core.ErrorRecord, limit int) string {
	if len(errs) > limit {
		errs = errs[:limit]
	}
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Severity, e.Timestamp.Format(time.RFC3339), e.Message)
	}
	return b.String()
}
