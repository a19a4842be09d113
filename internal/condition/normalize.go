package condition

import (
	"encoding/json"
	"strconv"
	"strings"
)

// NormalizeState converts stored user data into the comparable form shared by the interpreter and
// the compiled CEL path: booleans, strings and lists of those. "true"/"false" strings become
// booleans, numbers become their shortest decimal string and anything else is dropped.
func NormalizeState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if nv, ok := normalizeValue(v); ok {
			out[k] = nv
		}
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case []any:
		list := make([]any, 0, len(t))
		for _, el := range t {
			if nv, ok := normalizeScalar(el); ok {
				list = append(list, nv)
			}
		}
		return list, true
	case []string:
		list := make([]any, 0, len(t))
		for _, el := range t {
			nv, _ := normalizeScalar(el)
			list = append(list, nv)
		}
		return list, true
	}
	return normalizeScalar(v)
}

func normalizeScalar(v any) (any, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return t, true
	case float64:
		return formatNumber(t), true
	case float32:
		return formatNumber(float64(t)), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint:
		return strconv.FormatUint(uint64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return formatNumber(f), true
		}
		return t.String(), true
	}
	return nil, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
