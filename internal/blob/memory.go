// Package blob provides the BlobAccessor implementations the prompt store
// runs on: an in-memory map for local dev and tests, and Amazon S3 (or any
// S3-compatible endpoint) for deployments.
package blob

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/texel/promptstore/pkg/contracts"
)

// entry is one stored blob. Data is base64 in the snapshot file.
type entry struct {
	Data         []byte    `json:"data"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"content_type"`
	LastModified time.Time `json:"last_modified"`
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Container bool              `json:"container"`
	Blobs     map[string]*entry `json:"blobs"`
}

// Memory implements contracts.BlobAccessor with an in-memory map. The map
// lock stands in for the per-blob ETag check a remote store performs, so
// conditional writes are atomic here too.
type Memory struct {
	mu        sync.RWMutex
	blobs     map[string]*entry
	container bool // false until the first write, like a missing bucket

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop

	now func() time.Time
}

// NewMemory creates an in-memory blob store. If snapshotPath is not empty the
// contents are loaded from it at start and written back (debounced) after
// every mutation.
func NewMemory(snapshotPath string) *Memory {
	m := &Memory{
		blobs:  make(map[string]*entry),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Cannot create snapshot dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Int("blobs", len(m.blobs)).
		Msg("Memory blob store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *Memory) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *Memory) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *Memory) saveSnapshot() {
	m.mu.RLock()
	data, err := json.Marshal(snapshot{Container: m.container, Blobs: m.blobs})
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal blob snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write blob snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename blob snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Blob snapshot saved")
}

func (m *Memory) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No blob snapshot found, starting empty")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read blob snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse blob snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Blobs != nil {
		m.blobs = snap.Blobs
	}
	m.container = snap.Container || len(m.blobs) > 0
}

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times.
func (m *Memory) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func newETag() string {
	return `"` + uuid.NewString() + `"`
}

// ── BlobAccessor ────────────────────────────────────────────

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, key string, opts contracts.GetOptions) (*contracts.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.blobs[key]
	if !ok {
		return nil, contracts.NotFound(key)
	}
	if opts.IfNoneMatch != "" && (opts.IfNoneMatch == contracts.Wildcard || contracts.ETagMatch(opts.IfNoneMatch, e.ETag)) {
		return nil, contracts.NotModified(key, e.ETag)
	}
	return &contracts.Blob{
		Key:          key,
		Data:         append([]byte(nil), e.Data...),
		ETag:         e.ETag,
		ContentType:  e.ContentType,
		LastModified: e.LastModified,
	}, nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte, opts contracts.PutOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkPut(key, m.blobs[key], opts); err != nil {
		return "", err
	}
	etag := m.store(key, append([]byte(nil), data...), opts.ContentType)
	return etag, nil
}

// store writes e under key. Callers hold m.mu.
func (m *Memory) store(key string, data []byte, contentType string) string {
	e := &entry{
		Data:         data,
		ETag:         newETag(),
		ContentType:  contentType,
		LastModified: m.now().UTC(),
	}
	m.blobs[key] = e
	m.container = true
	m.requestSave()
	return e.ETag
}

func checkPut(key string, cur *entry, opts contracts.PutOptions) error {
	if opts.IfNoneMatch == contracts.Wildcard && cur != nil {
		return contracts.PreconditionFailed(key)
	}
	switch opts.IfMatch {
	case "":
		return nil
	case contracts.Wildcard:
		if cur == nil {
			return contracts.PreconditionFailed(key)
		}
	default:
		if cur == nil || !contracts.ETagMatch(opts.IfMatch, cur.ETag) {
			return contracts.PreconditionFailed(key)
		}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string, opts contracts.DeleteOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.blobs[key]
	if !ok {
		return false, nil
	}
	if opts.IfMatch != "" && opts.IfMatch != contracts.Wildcard && !contracts.ETagMatch(opts.IfMatch, cur.ETag) {
		return false, contracts.PreconditionFailed(key)
	}
	delete(m.blobs, key)
	m.requestSave()
	return true, nil
}

// List snapshots the matching keys under the read lock and yields them
// afterwards, so callers may mutate the store while iterating.
func (m *Memory) List(ctx context.Context, prefix string) iter.Seq2[contracts.BlobInfo, error] {
	return func(yield func(contracts.BlobInfo, error) bool) {
		m.mu.RLock()
		if !m.container {
			m.mu.RUnlock()
			yield(contracts.BlobInfo{}, contracts.NotFound(prefix))
			return
		}
		infos := make([]contracts.BlobInfo, 0)
		for k, e := range m.blobs {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			infos = append(infos, contracts.BlobInfo{
				Key:          k,
				Size:         int64(len(e.Data)),
				LastModified: e.LastModified,
				ETag:         e.ETag,
				ContentType:  e.ContentType,
			})
		}
		m.mu.RUnlock()

		sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				yield(contracts.BlobInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Copy implements contracts.BlobCopier atomically under the store lock.
func (m *Memory) Copy(_ context.Context, src, dst string, overwrite bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobs[src]
	if !ok {
		return "", contracts.NotFound(src)
	}
	if _, exists := m.blobs[dst]; exists && !overwrite {
		return "", contracts.Conflict(dst, "destination already exists")
	}
	return m.store(dst, append([]byte(nil), e.Data...), e.ContentType), nil
}
