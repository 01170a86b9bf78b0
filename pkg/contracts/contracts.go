// Package contracts defines the service interfaces for the prompt store.
//
// These interfaces form the boundary between the document logic and the
// backends that hold the bytes. The repo ships two blob backends (memory and
// S3); anything that satisfies BlobAccessor can be swapped in from the
// wiring code in pkg/server.
package contracts

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Wildcard is the "match any" precondition token.
const Wildcard = "*"

// Blob is a stored object together with its metadata.
type Blob struct {
	Key          string
	Data         []byte
	ETag         string
	ContentType  string
	LastModified time.Time
}

// BlobInfo is one entry of a listing.
type BlobInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
}

// GetOptions controls a conditional read.
type GetOptions struct {
	// IfNoneMatch makes Get fail with KindNotModified when it equals the
	// stored ETag.
	IfNoneMatch string
}

// PutOptions controls a write.
type PutOptions struct {
	ContentType string

	// IfMatch requires the stored ETag to equal this value. "*" requires the
	// key to exist. Empty means unconditional.
	IfMatch string

	// IfNoneMatch set to "*" requires the key to be absent.
	IfNoneMatch string
}

// DeleteOptions controls a delete.
type DeleteOptions struct {
	// IfMatch requires the stored ETag to equal this value when the key is
	// present. "*" and "" both delete whatever is there.
	IfMatch string
}

// ── Blob Accessor ───────────────────────────────────────────

// BlobAccessor is the key→bytes mapping the prompt store is built on.
// OSS implementations: internal/blob.Memory, internal/blob.S3.
type BlobAccessor interface {
	// Exists reports whether key is present. A transport failure is returned
	// as an error, never as false.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the blob or a KindNotFound error.
	Get(ctx context.Context, key string, opts GetOptions) (*Blob, error)

	// Put writes data and returns the new ETag. A failed precondition
	// returns KindPreconditionFailed and writes nothing. The container is
	// created on demand.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)

	// Delete removes key. Deleting an absent key succeeds and reports
	// deleted=false.
	Delete(ctx context.Context, key string, opts DeleteOptions) (deleted bool, err error)

	// List lazily enumerates every key under prefix. It yields a
	// KindNotFound error when the container does not exist.
	List(ctx context.Context, prefix string) iter.Seq2[BlobInfo, error]
}

// BlobCopier is implemented by backends that can copy server-side.
type BlobCopier interface {
	// Copy duplicates src into dst and returns the new ETag. With
	// overwrite=false an existing dst yields KindConflict.
	Copy(ctx context.Context, src, dst string, overwrite bool) (string, error)
}

// ── ETag helpers ────────────────────────────────────────────

// NormalizeETag strips a weak prefix and surrounding quotes.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// SplitETags parses an If-Match or If-None-Match value, which may list
// several ETags separated by commas. Empty entries are dropped.
func SplitETags(header string) []string {
	var tags []string
	for _, tok := range strings.Split(header, ",") {
		if tag := NormalizeETag(tok); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// ETagMatch reports whether etag is one of the ETags listed in header,
// ignoring quoting and weak prefixes.
func ETagMatch(header, etag string) bool {
	want := NormalizeETag(etag)
	for _, tag := range SplitETags(header) {
		if tag == want {
			return true
		}
	}
	return false
}

// QuoteETag returns etag, or each entry of an ETag list, in quoted header
// form.
func QuoteETag(etag string) string {
	if etag == "" || etag == Wildcard {
		return etag
	}
	tags := SplitETags(etag)
	for i, tag := range tags {
		tags[i] = `"` + tag + `"`
	}
	return strings.Join(tags, ", ")
}
