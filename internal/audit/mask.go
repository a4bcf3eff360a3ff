package audit

import "strings"

// sensitiveKeys are field names whose values never appear in clear text
// in an audit record. Matched case-insensitively against the field name.
var sensitiveKeys = map[string]struct{}{
	"password":       {},
	"password_hash":  {},
	"token":          {},
	"token_hash":     {},
	"secret":         {},
	"api_key":        {},
	"card_number":    {},
	"account_number": {},
	"iban":           {},
	"cvv":            {},
}

// maskedValue keeps the first and last two characters and hides the
// middle behind a fixed-width mask so the stored form never leaks the
// value's length: "supersecret123" -> "su***23". Values of four
// characters or fewer are fully masked.
func maskedValue(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "***" + s[len(s)-2:]
}

// MaskSensitiveData returns a copy of values with every sensitive field
// masked, recursing into nested maps and into map elements of slices.
// Non-string sensitive values are replaced entirely.
func MaskSensitiveData(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			if s, ok := v.(string); ok {
				out[k] = maskedValue(s)
			} else {
				out[k] = "****"
			}
			continue
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return MaskSensitiveData(t)
	case []any:
		masked := make([]any, len(t))
		for i, el := range t {
			masked[i] = maskValue(el)
		}
		return masked
	default:
		return v
	}
}
