package store

import (
	"strings"

	"github.com/texel/promptstore/internal/document"
	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

// MaxKeyLen is the longest storage key accepted, matching S3's object key limit.
const MaxKeyLen = 1024

const clientDir = "client/"

// ValidateKey rejects keys that could escape the container or address
// something other than a single document. Keys under client/ must name a
// canonical client code: client/<CODE>/<name>.
func ValidateKey(key string) error {
	msg := keyProblem(key)
	if msg == "" {
		msg = clientKeyProblem(key, false)
	}
	if msg != "" {
		return contracts.Validation("invalid key", contracts.FieldError{Field: "key", Message: msg})
	}
	return nil
}

// clientKeyProblem checks the client code segment of keys under client/.
// With partial set, a prefix that stops inside the code segment passes.
func clientKeyProblem(key string, partial bool) string {
	rest, ok := strings.CutPrefix(key, clientDir)
	if !ok {
		return ""
	}
	code, _, complete := strings.Cut(rest, "/")
	if !complete {
		if partial {
			return ""
		}
		return "client documents live at client/<CODE>/<name>"
	}
	if code != strings.ToUpper(code) || !document.ValidClientCode(code) {
		return "client code must be 4 uppercase letters or digits"
	}
	return ""
}

func keyProblem(key string) string {
	switch {
	case key == "":
		return "must not be empty"
	case len(key) > MaxKeyLen:
		return "must be at most 1024 bytes"
	case strings.HasPrefix(key, "/"):
		return "must not start with /"
	case strings.Contains(key, `\`):
		return "must not contain backslashes"
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "":
			return "must not contain empty segments"
		case ".", "..":
			return "must not contain . or .. segments"
		}
	}
	return ""
}

// ValidatePrefix checks a delete-by-prefix argument: a valid key followed by
// a trailing slash, so a prefix can only ever select a whole directory.
func ValidatePrefix(prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		return contracts.Validation("invalid prefix",
			contracts.FieldError{Field: "prefix", Message: "must end with /"})
	}
	msg := keyProblem(strings.TrimSuffix(prefix, "/"))
	if msg == "" {
		msg = clientKeyProblem(prefix, true)
	}
	if msg != "" {
		return contracts.Validation("invalid prefix", contracts.FieldError{Field: "prefix", Message: msg})
	}
	return nil
}

// validateListPrefix is ValidatePrefix without the trailing-slash rule; an
// empty prefix lists everything.
func validateListPrefix(prefix string) error {
	p := strings.TrimSuffix(prefix, "/")
	if p == "" && prefix == "" {
		return nil
	}
	msg := keyProblem(p)
	if msg == "" {
		msg = clientKeyProblem(prefix, true)
	}
	if msg != "" {
		return contracts.Validation("invalid prefix", contracts.FieldError{Field: "prefix", Message: msg})
	}
	return nil
}

// NormalizeClientCode upper-cases code and validates it.
func NormalizeClientCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !document.ValidClientCode(code) {
		return "", contracts.Validation("invalid client code",
			contracts.FieldError{Field: "code", Message: "must be 4 letters or digits"})
	}
	return code, nil
}

// ClientPrefix is the directory holding a client's documents.
func ClientPrefix(code string) string {
	return clientDir + strings.ToUpper(code) + "/"
}

// IndexKey is where a client's prompt index lives.
func IndexKey(code string) string {
	return ClientPrefix(code) + models.IndexFileName
}

// indexClient returns the client code when key addresses a client index.
func indexClient(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, clientDir)
	if !ok {
		return "", false
	}
	code, file, ok := strings.Cut(rest, "/")
	if !ok || file != models.IndexFileName || clientKeyProblem(key, false) != "" {
		return "", false
	}
	return code, true
}
