package chat_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texel/promptstore/internal/chat"
	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

type prompts map[string]*models.PromptDocument

func (p prompts) LoadPrompt(_ context.Context, key string) (*models.PromptDocument, error) {
	doc, ok := p[key]
	if !ok {
		return nil, contracts.NotFound(key)
	}
	return doc, nil
}

type recorder struct {
	mu     sync.Mutex
	events []chat.Usage
}

func (r *recorder) Post(kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := payload.(chat.Usage); ok && kind == "chat.completion" {
		r.events = append(r.events, u)
	}
}

// upstream records the last request body and answers with status/body.
func upstream(t *testing.T, status int, body string) (*httptest.Server, *atomic.Value, *atomic.Int64) {
	t.Helper()
	var last atomic.Value
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Errorf("upstream got invalid JSON: %v", err)
		}
		last.Store(m)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &last, &hits
}

const okBody = `{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

func TestCompleteFiltersFields(t *testing.T) {
	srv, last, _ := upstream(t, http.StatusOK, okBody)
	rec := &recorder{}
	p := chat.New(chat.Config{APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "gpt-4o-mini"}, nil, rec)

	resp, err := p.Complete(context.Background(), []byte(`{
		"messages": [{"role":"user","content":"hello"}],
		"temperature": 0.2,
		"stream": true,
		"user": "someone",
		"tools": []
	}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, okBody, string(resp.Body))

	sent := last.Load().(map[string]any)
	assert.Equal(t, "gpt-4o-mini", sent["model"])
	assert.Equal(t, 0.2, sent["temperature"])
	assert.NotContains(t, sent, "stream")
	assert.NotContains(t, sent, "user")
	assert.NotContains(t, sent, "tools")

	require.Len(t, rec.events, 1)
	assert.Equal(t, int64(15), rec.events[0].TotalTokens)
	assert.Equal(t, "gpt-4o-mini", rec.events[0].Model)
}

func TestCompleteWithStoredPrompt(t *testing.T) {
	srv, last, _ := upstream(t, http.StatusOK, okBody)
	store := prompts{
		"client/AB12/texel-floorplan.json": {
			Prompt: models.PromptBody{Text: "You describe floorplans."},
			Params: map[string]any{"temperature": 0.3, "max_tokens": 400.0, "stream": true},
		},
	}
	p := chat.New(chat.Config{APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "gpt-4o-mini"}, store, nil)

	_, err := p.Complete(context.Background(), []byte(`{
		"promptKey": "client/AB12/texel-floorplan.json",
		"model": "gpt-4o",
		"temperature": 0.9,
		"messages": [{"role":"user","content":"three bedrooms"}]
	}`))
	require.NoError(t, err)

	sent := last.Load().(map[string]any)
	assert.Equal(t, "gpt-4o", sent["model"])
	assert.Equal(t, 0.9, sent["temperature"], "request overrides stored params")
	assert.Equal(t, 400.0, sent["max_tokens"], "stored params fill the gaps")
	assert.NotContains(t, sent, "stream")
	assert.NotContains(t, sent, "promptKey")

	msgs := sent["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"role": "system", "content": "You describe floorplans."}, msgs[0])
}

func TestCompleteUnknownPrompt(t *testing.T) {
	srv, _, hits := upstream(t, http.StatusOK, okBody)
	p := chat.New(chat.Config{APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "m"}, prompts{}, nil)

	_, err := p.Complete(context.Background(), []byte(`{"promptKey":"nope.json","messages":[{"role":"user","content":"x"}]}`))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.Zero(t, hits.Load())
}

func TestCompleteUpstreamError(t *testing.T) {
	long := strings.Repeat("x", 2000)
	srv, _, _ := upstream(t, http.StatusBadRequest, `{"error":{"message":"`+long+`","type":"invalid_request_error"}}`)
	p := chat.New(chat.Config{APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "m"}, nil, nil)

	_, err := p.Complete(context.Background(), []byte(`{"messages":[{"role":"user","content":"x"}]}`))
	require.Error(t, err)

	var e *contracts.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, contracts.KindUpstream, e.Kind)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.LessOrEqual(t, len(e.Snippet), 512)
	assert.NotEmpty(t, e.Snippet)
	assert.Equal(t, http.StatusBadGateway, contracts.HTTPStatus(err))
}

func TestCompleteRejectsBeforeNetwork(t *testing.T) {
	srv, _, hits := upstream(t, http.StatusOK, okBody)

	noKey := chat.New(chat.Config{BaseURL: srv.URL, DefaultModel: "m"}, nil, nil)
	_, err := noKey.Complete(context.Background(), []byte(`{"messages":[{"role":"user","content":"x"}]}`))
	assert.ErrorIs(t, err, contracts.ErrMisconfigured)

	p := chat.New(chat.Config{APIKey: "sk-test", BaseURL: srv.URL}, nil, nil)
	for _, body := range []string{
		`{"messages":[]}`,
		`{"model":"m"}`,
		`{"model":"m","messages":"hello"}`,
		`[1,2]`,
		`not json`,
		`{"messages":[{"role":"user","content":"x"}]}`, // no model and no default
	} {
		_, err := p.Complete(context.Background(), []byte(body))
		assert.ErrorIs(t, err, contracts.ErrValidation, "body %s", body)
	}

	assert.Zero(t, hits.Load())
}

func TestFilter(t *testing.T) {
	got := chat.Filter(map[string]any{"model": "m", "stream": true, "seed": 1, "n": 3})
	assert.Equal(t, map[string]any{"model": "m", "seed": 1}, got)
}
