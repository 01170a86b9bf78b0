// Package handlers implements the HTTP handlers for the prompt store API.
// Every handler goes through store.Store, so key validation and document
// normalization happen before any backend call.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/texel/promptstore/internal/chat"
	"github.com/texel/promptstore/internal/store"
	"github.com/texel/promptstore/pkg/contracts"
)

// MaxBodyBytes bounds request bodies for every write route.
const MaxBodyBytes = 8 << 20

// Completer is what the chat route needs from the proxy.
type Completer interface {
	Complete(ctx context.Context, body []byte) (*chat.Response, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store *store.Store
	Chat  Completer
}

// New creates a new Handlers instance. chat may be nil, in which case the
// chat route answers 503.
func New(s *store.Store, chat Completer) *Handlers {
	return &Handlers{Store: s, Chat: chat}
}

// ══════════════════════════════════════════════════════════════
// ── Document Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetDocument serves the stored bytes of a document. A matching
// If-None-Match answers 304 without a body.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	key := documentKey(r)
	b, err := h.Store.LoadDocument(r.Context(), key, r.Header.Get("If-None-Match"))
	if err != nil {
		respondError(w, err)
		return
	}

	contentType := b.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	setETag(w, b.ETag)
	if !b.LastModified.IsZero() {
		w.Header().Set("Last-Modified", b.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(b.Data)
}

// PutDocument normalizes and stores the body at key, honoring If-Match and
// If-None-Match.
func (h *Handlers) PutDocument(w http.ResponseWriter, r *http.Request) {
	key := documentKey(r)
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}

	res, err := h.Store.SaveDocument(r.Context(), key, body, precondition(r))
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, res.ETag)
	respondJSON(w, http.StatusOK, saveResponse{
		Message:  "saved",
		Filename: res.Key,
		ETag:     contracts.QuoteETag(res.ETag),
	})
}

// DeleteDocument always answers 204, whether or not the key existed.
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	key := documentKey(r)
	deleted, err := h.Store.Delete(r.Context(), key, r.Header.Get("If-Match"))
	if err != nil {
		respondError(w, err)
		return
	}
	log.Debug().Str("key", key).Bool("existed", deleted).Msg("Document delete")
	w.WriteHeader(http.StatusNoContent)
}

// ListDocuments lists every document under ?prefix=.
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Store.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

// DeleteDocuments removes every document under ?prefix=. The prefix is
// required and must end with "/".
func (h *Handlers) DeleteDocuments(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	n, err := h.Store.DeleteByPrefix(r.Context(), prefix)
	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Int("deleted", n).Msg("Delete by prefix stopped")
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type copyRequest struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Overwrite bool   `json:"overwrite"`
}

// CopyDocument duplicates src into dst.
func (h *Handlers) CopyDocument(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	var fields []contracts.FieldError
	if req.Src == "" {
		fields = append(fields, contracts.FieldError{Field: "src", Message: "is required"})
	}
	if req.Dst == "" {
		fields = append(fields, contracts.FieldError{Field: "dst", Message: "is required"})
	}
	if len(fields) > 0 {
		respondError(w, contracts.Validation("invalid copy request", fields...))
		return
	}

	etag, err := h.Store.Copy(r.Context(), req.Src, req.Dst, req.Overwrite)
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, etag)
	respondJSON(w, http.StatusOK, map[string]string{
		"etag": contracts.QuoteETag(etag),
		"src":  req.Src,
		"dst":  req.Dst,
	})
}

// SavePrompt accepts the {filename, prompt, params} save body.
func (h *Handlers) SavePrompt(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := h.Store.SavePrompt(r.Context(), body, precondition(r))
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, res.ETag)
	respondJSON(w, http.StatusOK, saveResponse{
		Message:  "saved",
		Filename: res.Key,
		ETag:     contracts.QuoteETag(res.ETag),
	})
}

type saveResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	ETag     string `json:"etag"`
}

// ══════════════════════════════════════════════════════════════
// ── Catalog & Index Handlers ─────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetCatalog returns the client catalog, or an empty one if none is saved.
func (h *Handlers) GetCatalog(w http.ResponseWriter, r *http.Request) {
	cat, etag, err := h.Store.LoadCatalog(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, etag)
	respondJSON(w, http.StatusOK, cat)
}

// PutCatalog validates and replaces the whole catalog.
func (h *Handlers) PutCatalog(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}
	cat, etag, err := h.Store.SaveCatalog(r.Context(), body, precondition(r))
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, etag)
	respondJSON(w, http.StatusOK, map[string]any{
		"etag":  contracts.QuoteETag(etag),
		"count": len(cat.Clients),
	})
}

func (h *Handlers) GetIndex(w http.ResponseWriter, r *http.Request) {
	idx, etag, err := h.Store.LoadIndex(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, etag)
	respondJSON(w, http.StatusOK, idx)
}

func (h *Handlers) PutIndex(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}
	idx, etag, err := h.Store.SaveIndex(r.Context(), chi.URLParam(r, "code"), body, precondition(r))
	if err != nil {
		respondError(w, err)
		return
	}
	setETag(w, etag)
	respondJSON(w, http.StatusOK, idx)
}

// ══════════════════════════════════════════════════════════════
// ── Chat Handler ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ChatCompletion forwards a filtered request upstream and relays the reply.
func (h *Handlers) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	if h.Chat == nil {
		respondError(w, contracts.Misconfigured("chat proxy is not configured"))
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}

	start := time.Now()
	resp, err := h.Chat.Complete(r.Context(), body)
	if err != nil {
		respondError(w, err)
		return
	}
	log.Debug().Int("status", resp.Status).Dur("latency", time.Since(start)).Msg("Chat completion relayed")

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// documentKey returns the {key...} tail of the route. chi matches against
// the escaped path when one is present, so it is unescaped here.
func documentKey(r *http.Request) string {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if k, err := url.PathUnescape(key); err == nil {
			key = k
		}
	}
	return key
}

func precondition(r *http.Request) store.Precondition {
	return store.Precondition{
		IfMatch:     strings.TrimSpace(r.Header.Get("If-Match")),
		IfNoneMatch: strings.TrimSpace(r.Header.Get("If-None-Match")),
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, contracts.Validation("request body too large",
				contracts.FieldError{Field: "$", Message: "exceeds 8 MiB"})
		}
		return nil, contracts.Validation("could not read request body",
			contracts.FieldError{Field: "$", Message: err.Error()})
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return contracts.Validation("invalid JSON body",
			contracts.FieldError{Field: "$", Message: err.Error()})
	}
	return nil
}

func setETag(w http.ResponseWriter, etag string) {
	if etag != "" {
		w.Header().Set("ETag", contracts.QuoteETag(etag))
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Key     string                 `json:"key,omitempty"`
	Status  int                    `json:"upstreamStatus,omitempty"`
	Snippet string                 `json:"upstreamBody,omitempty"`
	Fields  []contracts.FieldError `json:"fields,omitempty"`
}

// respondError translates err into a status code and error envelope.
// NotModified has no body, only the current ETag.
func respondError(w http.ResponseWriter, err error) {
	status := contracts.HTTPStatus(err)

	var e *contracts.Error
	if !errors.As(err, &e) {
		log.Error().Err(err).Msg("Unhandled request error")
		respondJSON(w, status, map[string]errorBody{"error": {
			Code:    "internal",
			Message: err.Error(),
		}})
		return
	}

	if e.Kind == contracts.KindNotModified {
		setETag(w, e.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", string(e.Kind)).Msg("Request failed")
	}
	respondJSON(w, status, map[string]errorBody{"error": {
		Code:    string(e.Kind),
		Message: err.Error(),
		Key:     e.Key,
		Status:  e.Status,
		Snippet: e.Snippet,
		Fields:  e.Fields,
	}})
}
