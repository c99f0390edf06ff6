package prism

import "strconv"

// sanitize produces the audit-safe projection of an operation's
// params, per spec §4.8: nested objects that carry an "id" field
// collapse to just that id, long strings are truncated, and arrays
// collapse to a size marker. Only map[string]any, []any and string
// values are rewritten; other values, including canon structs and typed
// slices such as []string, are stored as given. The goal is an audit log that is useful
// for reconstructing what happened without duplicating large payloads
// or incidentally deep-copying referenced entities into every entry.
func sanitize(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = sanitizeValue(val)
	}
	return out
}

const maxStringBytes = 1000

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if id, ok := val["id"]; ok {
			return map[string]any{"id": id}
		}
		return sanitize(val)
	case []any:
		return "[Array(" + strconv.Itoa(len(val)) + ")]"
	case string:
		if len(val) > maxStringBytes {
			return val[:maxStringBytes] + "...(truncated)"
		}
		return val
	default:
		return v
	}
}
