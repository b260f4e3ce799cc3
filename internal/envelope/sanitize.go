package envelope

import "encoding/json"

// MaxStringLen is the per-value cap applied during sanitization.
// Anything longer is cut to truncateLen characters plus an ellipsis so
// the stored value stays within MaxStringLen.
const (
	MaxStringLen = 32768
	truncateLen  = 32765
)

// Sanitize walks the payload once and bounds every value. Strings over
// the cap are truncated; nested objects and sequences are re-serialized
// and length-checked against the same cap, stored as a truncated string
// when they exceed it. Scalars pass through unchanged.
func Sanitize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return truncate(t)
	case bool, float64, int, int64, json.Number:
		return t
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		if len([]rune(string(raw))) <= MaxStringLen {
			// Round-trip keeps the nested structure but guarantees it
			// is JSON-representable.
			var back any
			if err := json.Unmarshal(raw, &back); err != nil {
				return truncate(string(raw))
			}
			return back
		}
		return truncate(string(raw))
	default:
		return t
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxStringLen {
		return s
	}
	return string(r[:truncateLen]) + "..."
}
