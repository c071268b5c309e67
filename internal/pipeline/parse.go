package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// stripFences removes a surrounding Markdown code fence from a completion
// response. Models regularly wrap JSON in ```json fences despite being told
// not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseItems parses a completion response as a JSON array of objects.
// Non-object elements are skipped rather than failing the batch.
func parseItems(raw string) ([]map[string]any, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &elems); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}

	items := make([]map[string]any, 0, len(elems))
	for _, elem := range elems {
		var item map[string]any
		if err := json.Unmarshal(elem, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// defaultFields coerces the named fields of every item to strings, filling
// absent ones with their default.
func defaultFields(items []map[string]any, defaults map[string]string) {
	for _, item := range items {
		for field, def := range defaults {
			s := stringOf(item[field])
			if s == "" {
				s = def
			}
			item[field] = s
		}
	}
}

// stringOf renders a decoded JSON value as a flat string: lists join with
// ", ", objects keep their JSON form, numbers drop the float formatting
// artifacts.
func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := stringOf(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// stringList renders a decoded JSON value as a string slice.
func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if s := stringOf(v); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s := stringOf(e); s != "" {
			out = append(out, s)
		}
	}
	return out
}
