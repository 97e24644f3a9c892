package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

func requiredString(input map[string]any, key string) (string, error) {
	v := optionalString(input, key)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("field %s required", key)
	}
	return v, nil
}

func optionalString(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func optionalBool(input map[string]any, key string) bool {
	switch v := input[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// optionalInt accepts JSON numbers in any of the shapes decoders produce.
func optionalInt(input map[string]any, key string) (int, error) {
	val, ok := input[key]
	if !ok || val == nil {
		return 0, nil
	}
	switch v := val.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("field %s must be an integer", key)
		}
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %s must be an integer: %w", key, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("field %s must be an integer", key)
	}
}
