package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}

// truncateText cuts s to at most maxBytes without splitting a rune.
func truncateText(s string, maxBytes int) (string, bool, int, string) {
	out, truncated, size, hash := truncateBytes([]byte(s), maxBytes)
	if !truncated {
		return s, false, size, ""
	}
	for len(out) > 0 && !utf8.Valid(out) {
		out = out[:len(out)-1]
	}
	return string(out), true, size, hash
}
