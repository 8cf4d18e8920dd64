package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// splitField splits "key=value" into (key, value, true).
// Returns ("", "", false) if there is no '=' or key is empty.
func splitField(s string) (string, string, bool) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// parseFields converts -f key=value pairs into node data. Values that are
// JSON literals (objects, arrays, quoted strings, booleans, null, numbers)
// are decoded; anything else is kept as a plain string. A dotted key such
// as costs.licence=120 sets a nested field.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := splitField(p)
		if !ok {
			return nil, fmt.Errorf("invalid field %q: expected key=value", p)
		}
		if err := setPath(out, strings.Split(k, "."), literal(v)); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	return out, nil
}

func setPath(m map[string]any, path []string, v any) error {
	for _, seg := range path[:len(path)-1] {
		if seg == "" {
			return fmt.Errorf("empty path segment")
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			if _, exists := m[seg]; exists {
				return fmt.Errorf("%s is not an object", seg)
			}
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	last := path[len(path)-1]
	if last == "" {
		return fmt.Errorf("empty path segment")
	}
	m[last] = v
	return nil
}

// literal decodes v when it looks like a JSON literal and returns it
// unchanged otherwise.
func literal(v string) any {
	if v == "" {
		return v
	}
	switch c := v[0]; {
	case c == '{' || c == '[' || c == '"',
		v == "true" || v == "false" || v == "null",
		c == '-' || unicode.IsDigit(rune(c)):
		var out any
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	return v
}
