package genai

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSONObject is returned when the model output holds no JSON object.
var ErrNoJSONObject = errors.New("no JSON object in model output")

// ParseFields reads a flat field map out of model output that may be wrapped in
// code fences or prose. Nested objects, arrays of objects and nulls are dropped.
func ParseFields(content string) (map[string]any, error) {
	raw := jsonObject(content)
	if raw == "" || !gjson.Valid(raw) {
		return nil, ErrNoJSONObject
	}
	out := map[string]any{}
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		if v, ok := scalar(value); ok {
			out[key.String()] = v
		}
		return true
	})
	return out, nil
}

func scalar(v gjson.Result) (any, bool) {
	switch v.Type {
	case gjson.String:
		return v.String(), true
	case gjson.Number:
		return v.Float(), true
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	}
	if v.IsArray() {
		// multi-select answers stay lists so that "includes" conditions can match them
		var items []any
		for _, el := range v.Array() {
			if el.Type != gjson.String && el.Type != gjson.Number {
				return nil, false
			}
			item, _ := scalar(el)
			items = append(items, item)
		}
		if len(items) == 0 {
			return nil, false
		}
		return items, true
	}
	return nil, false
}

// jsonObject returns the outermost {...} span of s.
func jsonObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
