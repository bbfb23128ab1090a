package postprocess

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keys of the firing document holding "k=v" string lists.
var listKeys = []string{"Labels", "Annotations"}

// Normalize parses an alert's firing document and flattens its Labels and
// Annotations lists into maps stored under the lower-cased key. Documents
// that are not mappings are returned as parsed.
func Normalize(firing string) (any, error) {
	var doc any
	if err := yaml.Unmarshal([]byte(firing), &doc); err != nil {
		return nil, fmt.Errorf("parse firing: %w", err)
	}
	doc = jsonSafe(doc)

	m, ok := doc.(map[string]any)
	if !ok {
		return doc, nil
	}
	for _, key := range listKeys {
		list, ok := m[key].([]any)
		if !ok {
			continue
		}
		delete(m, key)
		m[strings.ToLower(key)] = ParsePairs(list)
	}
	return m, nil
}

// ParsePairs builds a map from "k=v" strings, splitting on the first '=' and
// trimming both sides. Entries without '=' and non-string entries are
// dropped; a repeated key keeps the last value.
func ParsePairs(list []any) map[string]string {
	out := make(map[string]string, len(list))
	for _, it := range list {
		s, ok := it.(string)
		if !ok {
			continue
		}
		k, v, found := strings.Cut(s, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// jsonSafe rewrites map[any]any (YAML mappings with non-string keys) into
// map[string]any so the document can be encoded as JSON.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonSafe(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonSafe(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonSafe(val)
		}
		return t
	default:
		return v
	}
}
