package capture

import "strings"

// DefaultFilters is used when a capture is started without filters.
var DefaultFilters = []string{"/api"}

// NormalizeFilters trims entries, drops empty ones and falls back to
// defaults when nothing remains.
func NormalizeFilters(filters, defaults []string) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaults...)
	}
	return out
}

// MatchesFilter reports whether path contains at least one filter.
func MatchesFilter(path string, filters []string) bool {
	for _, f := range filters {
		if f != "" && strings.Contains(path, f) {
			return true
		}
	}
	return false
}
