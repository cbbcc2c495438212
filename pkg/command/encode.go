package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// encodeValue renders v either as a strict JSON scalar (for IDE
// consumption) or as a language-neutral repr the experiment process's own
// parser round-trips (spec §4.3 step 4).
func encodeValue(v any, useJSON bool) (string, error) {
	if useJSON {
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding %v as JSON: %w", v, err)
		}
		return string(data), nil
	}
	return reprString(v), nil
}

// reprString is Go's stand-in for Python's repr(): Go has no repr builtin,
// and nothing in the example pack ships a Python-compatible encoder, so
// this switch produces exactly the literal forms the experiment process's
// eval-based parser accepts (True/False/None, single-quoted strings,
// bracketed lists, brace-delimited maps).
func reprString(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return pyQuote(t)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case float32, float64:
		return fmt.Sprintf("%g", t)
	case []any:
		parts := make([]string, len(t))
		for i, elem := range t {
			parts[i] = reprString(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = pyQuote(k) + ": " + reprString(t[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(t)
	}
}

// pyQuote single-quotes s the way Python's repr() does for plain strings.
func pyQuote(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return "'" + escaped + "'"
}
