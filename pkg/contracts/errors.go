package contracts

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies a failure so handlers can translate it into a status
// code without inspecting backend-specific error types.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindNotModified        ErrorKind = "not_modified"
	KindConflict           ErrorKind = "conflict"
	KindValidation         ErrorKind = "validation_failed"
	KindUpstream           ErrorKind = "upstream"
	KindMisconfigured      ErrorKind = "misconfigured"
)

// maxSnippet bounds how much of an upstream response body is kept on an error.
const maxSnippet = 512

// FieldError names one offending field of a rejected document.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the error type returned by the blob accessors, the prompt store
// and the chat proxy.
type Error struct {
	Kind    ErrorKind
	Key     string
	Message string

	// Status and Snippet are set for KindUpstream.
	Status  int
	Snippet string

	// Fields is set for KindValidation and lists every offending field.
	Fields []FieldError

	// ETag carries the current ETag for KindNotModified.
	ETag string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of key or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrNotModified        = &Error{Kind: KindNotModified}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrUpstream           = &Error{Kind: KindUpstream}
	ErrMisconfigured      = &Error{Kind: KindMisconfigured}
)

func NotFound(key string) *Error {
	return &Error{Kind: KindNotFound, Key: key, Message: "does not exist"}
}

func PreconditionFailed(key string) *Error {
	return &Error{Kind: KindPreconditionFailed, Key: key, Message: "etag does not match"}
}

func NotModified(key, etag string) *Error {
	return &Error{Kind: KindNotModified, Key: key, ETag: etag}
}

func Conflict(key, msg string) *Error {
	return &Error{Kind: KindConflict, Key: key, Message: msg}
}

// Validation builds a KindValidation error carrying every offending field.
func Validation(msg string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// Upstream wraps a failed call to the blob store or the chat API. Only the
// first 512 bytes of body are kept, cut on a character boundary.
func Upstream(status int, body []byte, err error) *Error {
	if len(body) > maxSnippet {
		n := maxSnippet
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n]
	}
	snippet := string(body)
	return &Error{Kind: KindUpstream, Status: status, Snippet: snippet, Err: err}
}

func Misconfigured(msg string) *Error {
	return &Error{Kind: KindMisconfigured, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps err to the status code handlers should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindNotModified:
		return http.StatusNotModified
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindMisconfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
