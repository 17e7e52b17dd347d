package masking

import "strings"

const maskToken = "****"

var sensitiveKeys = map[string]struct{}{
	"payment_method_ref": {},
	"mandate_token":      {},
	"signature":          {},
	"wallet_id":          {},
}

// MaskSecret redacts a value while keeping its type prefix and a short
// suffix, e.g. "pm_****4242".
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskMetadata returns a copy of metadata with sensitive keys redacted.
// Nested maps are walked; other values are copied as is.
func MaskMetadata(input map[string]any) map[string]any {
	masked := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			masked[key] = MaskMetadata(nested)
			continue
		}
		if _, sensitive := sensitiveKeys[key]; sensitive {
			if s, ok := value.(string); ok {
				masked[key] = MaskSecret(s)
				continue
			}
		}
		masked[key] = value
	}
	return masked
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
