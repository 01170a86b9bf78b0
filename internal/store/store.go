// Package store implements the prompt store: typed JSON documents kept in a
// blob container, guarded by ETag preconditions.
//
// Every operation validates its key and body before touching the backend,
// so a rejected request never causes a partial write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/texel/promptstore/internal/document"
	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

// DefaultDeleteTimeout bounds DeleteByPrefix when no timeout is configured.
const DefaultDeleteTimeout = 25 * time.Second

// Options configures a Store.
type Options struct {
	CatalogKey    string        // defaults to models.DefaultCatalogKey
	DeleteTimeout time.Duration // upper bound for DeleteByPrefix
	Now           func() time.Time
}

// Precondition carries the caller's ETag expectations for a write.
type Precondition struct {
	IfMatch     string
	IfNoneMatch string
}

// SaveResult describes a successful write.
type SaveResult struct {
	Key      string
	ETag     string
	Kind     document.Kind
	Document any
}

// Store is the prompt store. It holds no mutable state of its own; all
// ordering guarantees come from the blob backend's ETag checks.
type Store struct {
	blobs         contracts.BlobAccessor
	catalogKey    string
	deleteTimeout time.Duration
	now           func() time.Time
}

// New creates a Store on top of blobs.
func New(blobs contracts.BlobAccessor, opts Options) *Store {
	s := &Store{
		blobs:         blobs,
		catalogKey:    opts.CatalogKey,
		deleteTimeout: opts.DeleteTimeout,
		now:           opts.Now,
	}
	if s.catalogKey == "" {
		s.catalogKey = models.DefaultCatalogKey
	}
	if s.deleteTimeout <= 0 {
		s.deleteTimeout = DefaultDeleteTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CatalogKey returns the key the client catalog is stored under.
func (s *Store) CatalogKey() string { return s.catalogKey }

// KindOf reports which shape rules apply to the document at key.
func (s *Store) KindOf(key string) document.Kind {
	if key == s.catalogKey {
		return document.KindCatalog
	}
	if _, ok := indexClient(key); ok {
		return document.KindIndex
	}
	return document.KindPrompt
}

// ── Documents ───────────────────────────────────────────────

// LoadDocument returns the raw stored bytes and ETag of key. A non-empty
// ifNoneMatch equal to the current ETag yields a KindNotModified error.
func (s *Store) LoadDocument(ctx context.Context, key, ifNoneMatch string) (*contracts.Blob, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, key, contracts.GetOptions{IfNoneMatch: ifNoneMatch})
}

// SaveDocument normalizes body according to the kind of key and writes it.
func (s *Store) SaveDocument(ctx context.Context, key string, body []byte, pre Precondition) (*SaveResult, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	v, err := document.Decode(body)
	if err != nil {
		return nil, err
	}
	kind := s.KindOf(key)
	doc, err := document.Normalize(kind, v, s.now())
	if err != nil {
		return nil, err
	}
	if idx, ok := doc.(*models.PromptIndex); ok && idx.ClientID == "" {
		idx.ClientID, _ = indexClient(key)
	}
	return s.write(ctx, key, kind, doc, pre)
}

// SavePrompt handles the legacy save body {filename, prompt, params}.
// The filename is used as the storage key.
func (s *Store) SavePrompt(ctx context.Context, body []byte, pre Precondition) (*SaveResult, error) {
	v, err := document.Decode(body)
	if err != nil {
		return nil, err
	}
	root, _ := v.(map[string]any)
	filename, _ := root["filename"].(string)
	if filename == "" {
		return nil, contracts.Validation("invalid save request",
			contracts.FieldError{Field: "filename", Message: "is required"})
	}
	if err := ValidateKey(filename); err != nil {
		return nil, err
	}
	if kind := s.KindOf(filename); kind != document.KindPrompt {
		return nil, contracts.Validation("invalid save request",
			contracts.FieldError{Field: "filename", Message: fmt.Sprintf("is reserved for the %s document", kind)})
	}

	doc, err := document.NormalizePrompt(map[string]any{
		"prompt": root["prompt"],
		"params": root["params"],
	})
	if err != nil {
		return nil, err
	}
	return s.write(ctx, filename, document.KindPrompt, doc, pre)
}

func (s *Store) write(ctx context.Context, key string, kind document.Kind, doc any, pre Precondition) (*SaveResult, error) {
	data, err := document.Encode(doc)
	if err != nil {
		return nil, err
	}
	etag, err := s.blobs.Put(ctx, key, data, contracts.PutOptions{
		ContentType: models.ContentTypeJSON,
		IfMatch:     pre.IfMatch,
		IfNoneMatch: pre.IfNoneMatch,
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("key", key).Str("kind", string(kind)).Str("etag", etag).Msg("Document saved")
	return &SaveResult{Key: key, ETag: etag, Kind: kind, Document: doc}, nil
}

// Delete removes key. Deleting an absent key is not an error. A specific
// ifMatch that does not match a present document yields
// KindPreconditionFailed.
func (s *Store) Delete(ctx context.Context, key, ifMatch string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	return s.blobs.Delete(ctx, key, contracts.DeleteOptions{IfMatch: ifMatch})
}

// Copy duplicates src into dst. Without overwrite an existing dst yields
// KindConflict, including when another writer creates dst concurrently.
func (s *Store) Copy(ctx context.Context, src, dst string, overwrite bool) (string, error) {
	if err := ValidateKey(src); err != nil {
		return "", err
	}
	if err := ValidateKey(dst); err != nil {
		return "", err
	}
	if c, ok := s.blobs.(contracts.BlobCopier); ok {
		return c.Copy(ctx, src, dst, overwrite)
	}

	b, err := s.blobs.Get(ctx, src, contracts.GetOptions{})
	if err != nil {
		return "", err
	}
	opts := contracts.PutOptions{ContentType: b.ContentType}
	if !overwrite {
		exists, err := s.blobs.Exists(ctx, dst)
		if err != nil {
			return "", err
		}
		if exists {
			return "", contracts.Conflict(dst, "destination already exists")
		}
		opts.IfNoneMatch = contracts.Wildcard
	}
	etag, err := s.blobs.Put(ctx, dst, b.Data, opts)
	if errors.Is(err, contracts.ErrPreconditionFailed) {
		return "", contracts.Conflict(dst, "destination already exists")
	}
	return etag, err
}

// List returns every document under prefix. An empty prefix lists the whole
// container.
func (s *Store) List(ctx context.Context, prefix string) ([]models.DocumentInfo, error) {
	if err := validateListPrefix(prefix); err != nil {
		return nil, err
	}
	out := make([]models.DocumentInfo, 0)
	for info, err := range s.blobs.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		out = append(out, models.DocumentInfo{
			Name:         info.Key,
			Size:         info.Size,
			LastModified: info.LastModified,
			ETag:         info.ETag,
			ContentType:  info.ContentType,
		})
	}
	return out, nil
}

// DeleteByPrefix deletes every document under prefix, one at a time, within
// the configured deadline. It is not atomic: on failure the error for the
// failing key is returned and earlier deletions stay deleted. The count is
// of documents actually removed by this call.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.deleteTimeout)
	defer cancel()

	deleted := 0
	for info, err := range s.blobs.List(ctx, prefix) {
		if err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				// No container yet, so nothing to delete.
				break
			}
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		ok, err := s.blobs.Delete(ctx, info.Key, contracts.DeleteOptions{})
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", info.Key, err)
		}
		if ok {
			deleted++
		}
	}

	log.Info().Str("prefix", prefix).Int("deleted", deleted).Msg("Deleted documents by prefix")
	return deleted, nil
}

// ── Catalog ─────────────────────────────────────────────────

// LoadCatalog returns the client catalog and its ETag. When none has been
// saved yet it returns an empty catalog and an empty ETag.
func (s *Store) LoadCatalog(ctx context.Context) (*models.ClientCatalog, string, error) {
	b, err := s.blobs.Get(ctx, s.catalogKey, contracts.GetOptions{})
	if errors.Is(err, contracts.ErrNotFound) {
		return models.EmptyCatalog(s.now()), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var cat models.ClientCatalog
	if err := json.Unmarshal(b.Data, &cat); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", s.catalogKey, err)
	}
	if cat.Clients == nil {
		cat.Clients = []models.CatalogClient{}
	}
	return &cat, b.ETag, nil
}

// SaveCatalog validates and stores the whole catalog. Any invalid entry
// rejects the save.
func (s *Store) SaveCatalog(ctx context.Context, body []byte, pre Precondition) (*models.ClientCatalog, string, error) {
	res, err := s.SaveDocument(ctx, s.catalogKey, body, pre)
	if err != nil {
		return nil, "", err
	}
	return res.Document.(*models.ClientCatalog), res.ETag, nil
}

// ── Index ───────────────────────────────────────────────────

// LoadIndex returns a client's prompt index and its ETag.
func (s *Store) LoadIndex(ctx context.Context, code string) (*models.PromptIndex, string, error) {
	code, err := NormalizeClientCode(code)
	if err != nil {
		return nil, "", err
	}
	key := IndexKey(code)
	b, err := s.blobs.Get(ctx, key, contracts.GetOptions{})
	if err != nil {
		return nil, "", err
	}
	var idx models.PromptIndex
	if err := json.Unmarshal(b.Data, &idx); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", key, err)
	}
	if idx.Items == nil {
		idx.Items = []models.IndexItem{}
	}
	return &idx, b.ETag, nil
}

// SaveIndex normalizes and stores a client's prompt index.
func (s *Store) SaveIndex(ctx context.Context, code string, body []byte, pre Precondition) (*models.PromptIndex, string, error) {
	code, err := NormalizeClientCode(code)
	if err != nil {
		return nil, "", err
	}
	res, err := s.SaveDocument(ctx, IndexKey(code), body, pre)
	if err != nil {
		return nil, "", err
	}
	return res.Document.(*models.PromptIndex), res.ETag, nil
}

// LoadPrompt reads and decodes a prompt document.
func (s *Store) LoadPrompt(ctx context.Context, key string) (*models.PromptDocument, error) {
	b, err := s.LoadDocument(ctx, key, "")
	if err != nil {
		return nil, err
	}
	var doc models.PromptDocument
	if err := json.Unmarshal(b.Data, &doc); err != nil {
		return nil, contracts.Validation("stored document is not a prompt document",
			contracts.FieldError{Field: key, Message: err.Error()})
	}
	if doc.Params == nil {
		doc.Params = map[string]any{}
	}
	return &doc, nil
}
