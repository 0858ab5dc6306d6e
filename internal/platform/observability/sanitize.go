package observability

import (
	"strings"
	"unicode"
)

// clean drops control characters and truncates to limit runes so request data cannot forge log lines.
func clean(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, 180)
}

// SanitizeIdentifier cleans session and user identifiers for logging.
func SanitizeIdentifier(id string) string {
	return clean(id, 64)
}
