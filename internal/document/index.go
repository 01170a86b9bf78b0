package document

import (
	"sort"
	"time"

	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

// NormalizeIndex builds a PromptIndex. Every field is coerced rather than
// rejected; only a non-object root fails. Top-level prompt and params keys
// are dropped, items without a file are skipped, duplicate files keep the
// last entry and the result is sorted by (order, file). UpdatedAt is always
// set to now.
func NormalizeIndex(v any, now time.Time) (*models.PromptIndex, error) {
	if fields := checkSchema(indexSchema, v); len(fields) > 0 {
		return nil, contracts.Validation("invalid prompt index", fields...)
	}
	root := asObject(v)
	stamp := models.Timestamp(now)

	idx := &models.PromptIndex{
		Version:       asInt(root["version"]),
		ClientID:      asString(root["clientId"]),
		Name:          asString(root["name"]),
		Behavior:      asString(root["behavior"]),
		SpreadsheetID: asString(root["spreadsheetId"]),
		CreatedAt:     asString(root["createdAt"]),
		UpdatedAt:     stamp,
		Items:         normalizeItems(asArray(root["items"])),
	}
	if idx.CreatedAt == "" {
		idx.CreatedAt = stamp
	}
	return idx, nil
}

func normalizeItems(raw []any) []models.IndexItem {
	pos := make(map[string]int, len(raw))
	items := make([]models.IndexItem, 0, len(raw))
	for _, r := range raw {
		m := asObject(r)
		if m == nil {
			continue
		}
		item := models.IndexItem{
			File:   asString(m["file"]),
			Name:   asString(m["name"]),
			Order:  asFloat(m["order"]),
			Hidden: asBool(m["hidden"]),
			Lock:   asBool(m["lock"]),
		}
		if item.File == "" {
			continue
		}
		if i, ok := pos[item.File]; ok {
			items[i] = item
			continue
		}
		pos[item.File] = len(items)
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].File < items[j].File
	})
	return items
}
