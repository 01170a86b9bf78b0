package document

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

var (
	codePattern   = regexp.MustCompile(`^[A-Z0-9]{4}$`)
	sheetURLID    = regexp.MustCompile(`/spreadsheets/d/([A-Za-z0-9_-]+)`)
	sheetQueryID  = regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`)
	opaqueSheetID = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)
)

// ValidClientCode reports whether code, once upper-cased, is a valid client
// code.
func ValidClientCode(code string) bool {
	return codePattern.MatchString(strings.ToUpper(strings.TrimSpace(code)))
}

// NormalizeBehavior upper-cases b and keeps it only when it names a known
// behavior mode.
func NormalizeBehavior(b string) string {
	switch b = strings.ToUpper(strings.TrimSpace(b)); b {
	case models.BehaviorR, models.BehaviorS:
		return b
	default:
		return models.BehaviorNone
	}
}

// ExtractSpreadsheetID accepts a sharing URL or a bare ID and returns the
// spreadsheet ID, or "" when s looks like neither.
func ExtractSpreadsheetID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if m := sheetURLID.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := sheetQueryID.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if opaqueSheetID.MatchString(s) {
		return s
	}
	return ""
}

// NormalizeCatalog builds a ClientCatalog. A catalog with any invalid entry
// is rejected as a whole, and the error lists every invalid entry. Duplicate
// codes collapse to the last occurrence, which keeps its position.
func NormalizeCatalog(v any, now time.Time) (*models.ClientCatalog, error) {
	fields := checkSchema(catalogSchema, v)
	root := asObject(v)
	stamp := models.Timestamp(now)

	var clients []models.CatalogClient
	for i, r := range asArray(root["clients"]) {
		m := asObject(r)
		if m == nil {
			// Reported by the schema check.
			continue
		}
		raw, _ := m["code"].(string)
		code := strings.ToUpper(strings.TrimSpace(raw))
		if !codePattern.MatchString(code) {
			fields = append(fields, contracts.FieldError{
				Field:   fmt.Sprintf("clients[%d].code", i),
				Message: fmt.Sprintf("%q is not a 4-character alphanumeric code", raw),
			})
			continue
		}
		c := models.CatalogClient{
			Code:          code,
			Name:          asString(m["name"]),
			Behavior:      NormalizeBehavior(asString(m["behavior"])),
			SpreadsheetID: ExtractSpreadsheetID(asString(m["spreadsheetId"])),
			CreatedAt:     asString(m["createdAt"]),
		}
		if c.CreatedAt == "" {
			c.CreatedAt = stamp
		}
		clients = append(clients, c)
	}
	if len(fields) > 0 {
		return nil, contracts.Validation("invalid client catalog", fields...)
	}

	version := asInt(root["version"])
	if version <= 0 {
		version = 1
	}
	return &models.ClientCatalog{
		Version:   version,
		UpdatedAt: stamp,
		Clients:   dedupeClients(clients),
	}, nil
}

func dedupeClients(in []models.CatalogClient) []models.CatalogClient {
	seen := make(map[string]bool, len(in))
	out := make([]models.CatalogClient, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		if seen[in[i].Code] {
			continue
		}
		seen[in[i].Code] = true
		out = append(out, in[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
