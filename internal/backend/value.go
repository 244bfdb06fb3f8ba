package backend

import (
	"encoding/json"
	"fmt"
)

// normalizeValue forces a value through a JSON round trip so every backend
// hands back identical shapes (map[string]any, []any, float64, string, bool,
// nil) no matter which engine stored it.
func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func encodeValue(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(raw), nil
}

func decodeValue(raw string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// copyValue deep-copies a JSON-normalized value. Only shapes produced by
// normalizeValue occur here.
func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			out[key] = copyValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			out[i] = copyValue(nested)
		}
		return out
	default:
		return v
	}
}

func copyStore(store map[string]any) map[string]any {
	out := make(map[string]any, len(store))
	for key, value := range store {
		out[key] = copyValue(value)
	}
	return out
}
