// Package document turns decoded JSON bodies into the three typed document
// kinds the prompt store holds: prompt documents, per-client prompt indexes
// and the client catalog. Each kind has a validating constructor that either
// returns the canonical value or a single validation error listing every
// problem found.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/texel/promptstore/pkg/contracts"
)

// Kind tags a document with the shape rules it must satisfy.
type Kind string

const (
	KindPrompt  Kind = "prompt"
	KindIndex   Kind = "index"
	KindCatalog Kind = "catalog"
)

// Decode parses a request or blob body. Numbers are kept as json.Number so
// params survive a round-trip byte for byte.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, contracts.Validation("body is not valid JSON",
			contracts.FieldError{Field: "$", Message: err.Error()})
	}
	if dec.More() {
		return nil, contracts.Validation("body is not valid JSON",
			contracts.FieldError{Field: "$", Message: "trailing data after JSON value"})
	}
	return v, nil
}

// Encode renders a normalized document the way it is stored.
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return append(data, '\n'), nil
}

// Normalize dispatches to the constructor for kind.
func Normalize(kind Kind, v any, now time.Time) (any, error) {
	switch kind {
	case KindPrompt:
		return NormalizePrompt(v)
	case KindIndex:
		return NormalizeIndex(v, now)
	case KindCatalog:
		return NormalizeCatalog(v, now)
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
}
