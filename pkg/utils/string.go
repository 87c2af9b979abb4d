package utils

import "unicode/utf8"

// TruncateString limits s to maxLen bytes, ending in "..." when cut. It never
// splits a UTF-8 sequence, so the result may be a little shorter than maxLen.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return cutRunes(s, maxLen)
	}
	return cutRunes(s, maxLen-3) + "..."
}

func cutRunes(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
