package storage

import (
	"strings"
	"unicode"
)

// SegmentFromName turns a recording name into a filesystem-safe directory name.
func SegmentFromName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	seg := strings.Trim(b.String(), "_.")
	if seg == "" {
		return "unnamed"
	}
	if r := []rune(seg); len(r) > 96 {
		seg = string(r[:96])
	}
	return seg
}

// ShortID returns the first 8 chars of an identifier.
func ShortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	if id == "" {
		return "session"
	}
	return id
}
