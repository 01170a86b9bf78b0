// Package chat proxies chat-completion requests to an OpenAI-compatible API.
//
// Only a fixed set of request fields is forwarded. A request may name a
// stored prompt document; its text becomes the system message and its params
// become defaults the request can override.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog/log"

	"github.com/texel/promptstore/internal/document"
	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

// AllowedFields are the request fields forwarded upstream. Everything else,
// including stream, is dropped.
var AllowedFields = []string{
	"model",
	"messages",
	"temperature",
	"max_tokens",
	"max_completion_tokens",
	"top_p",
	"frequency_penalty",
	"presence_penalty",
	"stop",
	"seed",
	"response_format",
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowedFields))
	for _, f := range AllowedFields {
		m[f] = true
	}
	return m
}()

// Config selects the upstream API.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the OpenAI default
	DefaultModel string
	MaxRetries   int
	Timeout      time.Duration
}

// PromptLoader reads stored prompt documents.
type PromptLoader interface {
	LoadPrompt(ctx context.Context, key string) (*models.PromptDocument, error)
}

// Beacon receives best-effort usage events.
type Beacon interface {
	Post(kind string, payload any)
}

// Usage is the event posted after every successful completion.
type Usage struct {
	Model            string `json:"model"`
	PromptKey        string `json:"promptKey,omitempty"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	TotalTokens      int64  `json:"totalTokens"`
	LatencyMs        int64  `json:"latencyMs"`
}

// Response is the upstream reply, passed through unchanged.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Proxy forwards chat-completion requests.
type Proxy struct {
	cfg     Config
	client  openai.Client
	prompts PromptLoader
	beacon  Beacon
}

// New creates a Proxy. prompts and beacon may be nil.
func New(cfg Config, prompts PromptLoader, beacon Beacon) *Proxy {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Proxy{
		cfg:     cfg,
		client:  openai.NewClient(opts...),
		prompts: prompts,
		beacon:  beacon,
	}
}

// Complete validates body, builds the upstream request and returns the
// upstream response. Failures from the API come back as KindUpstream errors
// carrying the upstream status and a bounded snippet of its body.
func (p *Proxy) Complete(ctx context.Context, body []byte) (*Response, error) {
	if p.cfg.APIKey == "" {
		return nil, contracts.Misconfigured("chat api key is not set")
	}

	v, err := document.Decode(body)
	if err != nil {
		return nil, err
	}
	in, ok := v.(map[string]any)
	if !ok {
		return nil, contracts.Validation("invalid chat request",
			contracts.FieldError{Field: "$", Message: "must be an object"})
	}
	messages, _ := in["messages"].([]any)
	if len(messages) == 0 {
		return nil, contracts.Validation("invalid chat request",
			contracts.FieldError{Field: "messages", Message: "must be a non-empty array"})
	}
	promptKey, _ := in["promptKey"].(string)

	out := Filter(in)
	if promptKey != "" {
		if err := p.applyPrompt(ctx, promptKey, out); err != nil {
			return nil, err
		}
	}
	if _, ok := out["model"]; !ok && p.cfg.DefaultModel != "" {
		out["model"] = p.cfg.DefaultModel
	}
	if m, _ := out["model"].(string); m == "" {
		return nil, contracts.Validation("invalid chat request",
			contracts.FieldError{Field: "model", Message: "is required"})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	start := time.Now()
	var httpResp *http.Response
	if err := p.client.Post(ctx, "chat/completions", json.RawMessage(payload), &httpResp); err != nil {
		return nil, upstreamError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, contracts.Upstream(httpResp.StatusCode, nil, fmt.Errorf("read chat response: %w", err))
	}

	usage := parseUsage(respBody)
	usage.PromptKey = promptKey
	usage.LatencyMs = time.Since(start).Milliseconds()
	if usage.Model == "" {
		usage.Model, _ = out["model"].(string)
	}
	log.Debug().
		Str("model", usage.Model).
		Int64("total_tokens", usage.TotalTokens).
		Int64("latency_ms", usage.LatencyMs).
		Msg("Chat completion proxied")
	if p.beacon != nil {
		p.beacon.Post("chat.completion", usage)
	}

	return &Response{
		Status:      httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// Filter returns the allow-listed subset of a request body.
func Filter(in map[string]any) map[string]any {
	out := make(map[string]any, len(AllowedFields))
	for k, v := range in {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

// applyPrompt prepends the stored prompt as a system message and fills in
// allow-listed params the request did not set.
func (p *Proxy) applyPrompt(ctx context.Context, key string, out map[string]any) error {
	if p.prompts == nil {
		return contracts.Misconfigured("prompt lookup is not available")
	}
	doc, err := p.prompts.LoadPrompt(ctx, key)
	if err != nil {
		return err
	}
	for k, v := range doc.Params {
		if _, set := out[k]; !set && allowed[k] && k != "messages" {
			out[k] = v
		}
	}
	system := map[string]any{"role": "system", "content": doc.Prompt.String()}
	messages, _ := out["messages"].([]any)
	out["messages"] = append([]any{system}, messages...)
	return nil
}

func upstreamError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return contracts.Upstream(apiErr.StatusCode, []byte(apiErr.Error()), err)
	}
	return contracts.Upstream(0, []byte(err.Error()), err)
}

func parseUsage(body []byte) Usage {
	var r struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Usage{}
	}
	return Usage{
		Model:            r.Model,
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		TotalTokens:      r.Usage.TotalTokens,
	}
}
