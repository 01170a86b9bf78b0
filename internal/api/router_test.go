package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texel/promptstore/internal/api/handlers"
	"github.com/texel/promptstore/internal/blob"
	"github.com/texel/promptstore/internal/chat"
	"github.com/texel/promptstore/internal/config"
	"github.com/texel/promptstore/internal/store"
	"github.com/texel/promptstore/pkg/contracts"
)

type fakeChat struct {
	body []byte
	err  error
}

func (f *fakeChat) Complete(_ context.Context, body []byte) (*chat.Response, error) {
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{"id":"cmpl-1"}`)}, nil
}

type testServer struct {
	handler http.Handler
	chat    *fakeChat
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	mem := blob.NewMemory("")
	t.Cleanup(func() { mem.Close() })

	cfg := &config.Config{Version: "test"}
	for _, m := range mutate {
		m(cfg)
	}
	fc := &fakeChat{}
	h := handlers.New(store.New(mem, store.Options{}), fc)
	return &testServer{handler: NewRouter(cfg, h), chat: fc}
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code   string                 `json:"code"`
			Fields []contracts.FieldError `json:"fields"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = s.do(http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t)
	const path = "/api/v1/documents/client/AB12/welcome.json"

	w := s.do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))

	w = s.do(http.MethodPut, path, `{"prompt":"Hello","params":{"temperature":0.2}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.True(t, strings.HasPrefix(etag, `"`), "ETag header is quoted")
	var saved map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.Equal(t, "client/AB12/welcome.json", saved["filename"])
	assert.Equal(t, "saved", saved["message"])

	w = s.do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, etag, w.Header().Get("ETag"))
	assert.Contains(t, w.Body.String(), `"prompt": "Hello"`)

	w = s.do(http.MethodGet, path, "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, etag, w.Header().Get("ETag"))

	w = s.do(http.MethodPut, path, `{"prompt":"Bye"}`, "If-Match", `"stale"`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "precondition_failed", errorCode(t, w))

	w = s.do(http.MethodPut, path, `{"prompt":"Bye"}`, "If-None-Match", "*")
	assert.Equal(t, http.StatusPreconditionFailed, w.Code, "create-only on an existing key")

	w = s.do(http.MethodPut, path, `{"prompt":"Bye"}`, "If-Match", etag)
	require.Equal(t, http.StatusOK, w.Code)
	newTag := w.Header().Get("ETag")
	assert.NotEqual(t, etag, newTag)

	w = s.do(http.MethodDelete, path, "", "If-Match", etag)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = s.do(http.MethodDelete, path, "", "If-Match", newTag)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, w.Code, "delete is idempotent")
}

func TestETagListHeaders(t *testing.T) {
	s := newTestServer(t)
	const path = "/api/v1/documents/client/AB12/welcome.json"

	w := s.do(http.MethodPut, path, `{"prompt":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	etag := w.Header().Get("ETag")

	w = s.do(http.MethodGet, path, "", "If-None-Match", `"older", `+etag)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Equal(t, etag, w.Header().Get("ETag"))

	w = s.do(http.MethodPut, path, `{"prompt":"Bye"}`, "If-Match", `"x", "y"`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = s.do(http.MethodPut, path, `{"prompt":"Bye"}`, "If-Match", `"x", `+etag)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestLowercaseClientKeyRejected(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPut, "/api/v1/documents/client/ab12/index.json", `{"items":[{"file":"a.json"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", errorCode(t, w))

	w = s.do(http.MethodPut, "/api/v1/documents/client/AB12/index.json", `{"items":[{"file":"a.json"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(http.MethodGet, "/api/v1/clients/ab12/index", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a.json")
}

func TestPutDocumentRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPut, "/api/v1/documents/client/AB12/p.json", `{"params":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", errorCode(t, w))

	w = s.do(http.MethodPut, "/api/v1/documents/client/AB12/p.json", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPut, "/api/v1/documents/a//b.json", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty path segment")
}

func TestListAndDeleteByPrefix(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/documents?prefix=client/AB12/", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "no container yet")

	w = s.do(http.MethodDelete, "/api/v1/documents?prefix=client/AB12/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":0}`, w.Body.String())

	for _, name := range []string{"a.json", "b.json", "c.json"} {
		w = s.do(http.MethodPut, "/api/v1/documents/client/AB12/"+name, `{"prompt":"x"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}
	s.do(http.MethodPut, "/api/v1/documents/client/ZZ99/a.json", `{"prompt":"x"}`)

	w = s.do(http.MethodGet, "/api/v1/documents?prefix=client/AB12/", "")
	require.Equal(t, http.StatusOK, w.Code)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &docs))
	assert.Len(t, docs, 3)
	for _, d := range docs {
		assert.True(t, strings.HasPrefix(d["name"].(string), "client/AB12/"))
		assert.NotEmpty(t, d["etag"])
	}

	w = s.do(http.MethodDelete, "/api/v1/documents?prefix=client/AB12", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "prefix must end with a slash")

	w = s.do(http.MethodDelete, "/api/v1/documents?prefix=client/AB12/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":3}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/documents?prefix=", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &docs))
	assert.Len(t, docs, 1)
}

func TestCopyDocument(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodPut, "/api/v1/documents/client/AB12/a.json", `{"prompt":"x"}`)

	w := s.do(http.MethodPost, "/api/v1/documents:copy", `{"src":"client/AB12/a.json","dst":"client/AB12/b.json"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = s.do(http.MethodPost, "/api/v1/documents:copy", `{"src":"client/AB12/a.json","dst":"client/AB12/b.json"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/documents:copy", `{"src":"client/AB12/a.json","dst":"client/AB12/b.json","overwrite":true}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/v1/documents:copy", `{"src":"client/AB12/missing.json","dst":"client/AB12/c.json"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/v1/documents:copy", `{"src":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSavePrompt(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/prompts", `{"filename":"client/AB12/p.json","prompt":"Hi","params":null}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"filename":"client/AB12/p.json"`)

	w = s.do(http.MethodGet, "/api/v1/documents/client/AB12/p.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"params": {}`)

	w = s.do(http.MethodPost, "/api/v1/prompts", `{"prompt":"Hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/prompts", `{"filename":"clients.json","prompt":"Hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "catalog key is reserved")
}

func TestCatalogRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("ETag"))
	var cat map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cat))
	assert.EqualValues(t, 1, cat["version"])
	assert.Empty(t, cat["clients"])

	w = s.do(http.MethodPut, "/api/v1/catalog", `{"clients":[{"code":"ab1"},{"code":"ZZ99"},{"code":"x!"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var bad struct {
		Error struct {
			Fields []contracts.FieldError `json:"fields"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bad))
	assert.Len(t, bad.Error.Fields, 2, "every invalid code is reported")

	w = s.do(http.MethodGet, "/api/v1/catalog", "")
	assert.Empty(t, w.Header().Get("ETag"), "a rejected save writes nothing")

	w = s.do(http.MethodPut, "/api/v1/catalog", `{"clients":[{"code":"ab12","behavior":"r"},{"code":"ZZ99"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"count":2`)
	etag := w.Header().Get("ETag")

	w = s.do(http.MethodGet, "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, etag, w.Header().Get("ETag"))
	assert.Contains(t, w.Body.String(), `"code":"AB12"`)
	assert.Contains(t, w.Body.String(), `"behavior":"R"`)

	w = s.do(http.MethodPut, "/api/v1/catalog", `{"clients":[]}`, "If-Match", `"nope"`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestIndexRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/clients/AB12/index", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPut, "/api/v1/clients/ab12/index", `{"name":"Acme","items":[{"file":"b.json","order":2},{"file":"a.json","order":1}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var idx struct {
		ClientID string `json:"clientId"`
		Items    []struct {
			File string `json:"file"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &idx))
	assert.Equal(t, "AB12", idx.ClientID)
	require.Len(t, idx.Items, 2)
	assert.Equal(t, "a.json", idx.Items[0].File)

	w = s.do(http.MethodGet, "/api/v1/clients/AB12/index", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = s.do(http.MethodPut, "/api/v1/clients/TOOLONG/index", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatRoute(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/chat/completions", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"cmpl-1"}`, w.Body.String())
	assert.Contains(t, string(s.chat.body), `"messages"`)

	s.chat.err = contracts.Upstream(http.StatusTooManyRequests, []byte(`{"error":"slow down"}`), nil)
	w = s.do(http.MethodPost, "/api/v1/chat/completions", `{}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"upstreamStatus":429`)

	s.chat.err = contracts.Misconfigured("chat api key is not set")
	w = s.do(http.MethodPost, "/api/v1/chat/completions", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChatRouteRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Chat.RateLimit = 0.001
		c.Chat.RateBurst = 1
	})

	w := s.do(http.MethodPost, "/api/v1/chat/completions", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/api/v1/chat/completions", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = s.do(http.MethodGet, "/api/v1/catalog", "")
	assert.Equal(t, http.StatusOK, w.Code, "only the chat route is limited")
}

func TestAPIKeyAuthOnRouter(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Auth.APIKeys = []string{"secret"}
	})

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/catalog", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/catalog", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/catalog", "", "X-API-Key", "secret").Code)
}
