package catalog

import (
	"strings"
	"unicode"
)

// Slugify lowercases name and joins its letter and digit runs with hyphens:
// "ChatGPT (Plus) 4.0" becomes "chatgpt-plus-4-0".
func Slugify(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingDash = false
		default:
			pendingDash = true
		}
	}
	return b.String()
}
