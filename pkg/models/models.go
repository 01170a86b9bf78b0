package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ── Well-known keys ─────────────────────────────────────────

// DefaultCatalogKey is where the client catalog lives unless configured otherwise.
const DefaultCatalogKey = "clients.json"

// IndexFileName is the per-client index document name under client/<CODE>/.
const IndexFileName = "index.json"

// ContentTypeJSON is the content type every document is stored with.
const ContentTypeJSON = "application/json; charset=utf-8"

// ── Prompt Document ─────────────────────────────────────────

// PromptDocument is a single stored prompt plus its generation parameters.
type PromptDocument struct {
	Prompt PromptBody     `json:"prompt"`
	Params map[string]any `json:"params"`
}

// PromptBody holds either freeform text or a structured object
// (title/body fields). Exactly one of Text or Object is meaningful; Object
// wins when non-nil.
type PromptBody struct {
	Text   string
	Object map[string]any
}

// IsObject reports whether the prompt is structured.
func (p PromptBody) IsObject() bool { return p.Object != nil }

// String returns the text a model should see: the text itself, the "body"
// field of a structured prompt, or the object encoded as JSON.
func (p PromptBody) String() string {
	if p.Object == nil {
		return p.Text
	}
	if body, ok := p.Object["body"].(string); ok {
		return body
	}
	data, err := json.Marshal(p.Object)
	if err != nil {
		return ""
	}
	return string(data)
}

func (p PromptBody) MarshalJSON() ([]byte, error) {
	if p.Object != nil {
		return json.Marshal(p.Object)
	}
	return json.Marshal(p.Text)
}

func (p *PromptBody) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		p.Text = ""
		return json.Unmarshal(data, &p.Object)
	}
	p.Object = nil
	if err := json.Unmarshal(data, &p.Text); err != nil {
		return fmt.Errorf("prompt must be a string or an object: %w", err)
	}
	return nil
}

// ── Prompt Index ────────────────────────────────────────────

// PromptIndex is the per-client manifest of prompt documents.
type PromptIndex struct {
	Version       int         `json:"version"`
	ClientID      string      `json:"clientId"`
	Name          string      `json:"name"`
	Behavior      string      `json:"behavior"`
	SpreadsheetID string      `json:"spreadsheetId"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`
	Items         []IndexItem `json:"items"`
}

// IndexItem is one prompt document listed in an index.
type IndexItem struct {
	File   string  `json:"file"`
	Name   string  `json:"name"`
	Order  float64 `json:"order"`
	Hidden bool    `json:"hidden"`
	Lock   bool    `json:"lock"`
}

// ── Client Catalog ──────────────────────────────────────────

// Behavior modes a client may be configured with.
const (
	BehaviorNone = ""
	BehaviorR    = "R"
	BehaviorS    = "S"
)

// ClientCatalog is the global registry of client codes.
type ClientCatalog struct {
	Version   int             `json:"version"`
	UpdatedAt string          `json:"updatedAt"`
	Clients   []CatalogClient `json:"clients"`
}

// CatalogClient maps a 4-character client code to its settings.
type CatalogClient struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Behavior      string `json:"behavior"`
	SpreadsheetID string `json:"spreadsheetId"`
	CreatedAt     string `json:"createdAt"`
}

// EmptyCatalog is returned when no catalog has been saved yet.
func EmptyCatalog(now time.Time) *ClientCatalog {
	return &ClientCatalog{
		Version:   1,
		UpdatedAt: Timestamp(now),
		Clients:   []CatalogClient{},
	}
}

// ── Listings ────────────────────────────────────────────────

// DocumentInfo is one entry of a document listing as returned by the API.
type DocumentInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"contentType"`
}

// Timestamp formats t the way documents store times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
