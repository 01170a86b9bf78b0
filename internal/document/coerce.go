package document

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// The coercions below never fail: a missing or mistyped value becomes the
// zero value of the target type.

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asFloat(v any) float64 {
	var f float64
	switch n := v.(type) {
	case json.Number:
		f, _ = n.Float64()
	case float64:
		f = n
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func asInt(v any) int {
	return int(asFloat(v))
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		ok, _ := strconv.ParseBool(strings.TrimSpace(b))
		return ok
	}
	return false
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asArray(v any) []any {
	a, _ := v.([]any)
	return a
}
