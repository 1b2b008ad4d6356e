package util

import "strings"

// SanitizePostgresText strips invalid UTF-8 sequences and NUL bytes, which
// Postgres text columns reject. OCR output is a frequent source of both.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// Truncate shortens value to at most max runes, appending marker when
// truncation occurred. The marker is always present exactly when the input
// exceeded the budget.
func Truncate(value string, max int, marker string) (string, bool) {
	if max <= 0 {
		return value, false
	}
	runes := []rune(value)
	if len(runes) <= max {
		return value, false
	}
	return string(runes[:max]) + marker, true
}
