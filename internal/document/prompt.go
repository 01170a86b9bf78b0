package document

import (
	"encoding/json"
	"strings"

	"github.com/texel/promptstore/pkg/contracts"
	"github.com/texel/promptstore/pkg/models"
)

// NormalizePrompt builds a PromptDocument. The prompt may be text or an
// object; text that is itself a JSON object is unwrapped into the object
// form, since older producers double-encode it. Params default to {}.
func NormalizePrompt(v any) (*models.PromptDocument, error) {
	if fields := checkSchema(promptSchema, v); len(fields) > 0 {
		return nil, contracts.Validation("invalid prompt document", fields...)
	}
	root := asObject(v)

	doc := &models.PromptDocument{Params: map[string]any{}}
	switch p := root["prompt"].(type) {
	case string:
		doc.Prompt = unwrapPrompt(p)
	case map[string]any:
		doc.Prompt = models.PromptBody{Object: p}
	}
	if params := asObject(root["params"]); params != nil {
		doc.Params = params
	}
	return doc, nil
}

func unwrapPrompt(s string) models.PromptBody {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
			return models.PromptBody{Object: obj}
		}
	}
	return models.PromptBody{Text: s}
}
