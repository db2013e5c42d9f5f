package netatmo

import (
	"maps"
	"net/url"
	"slices"
	"strings"
)

// URLEncode percent-encodes every byte outside [A-Za-z0-9._~-] as %XX with
// uppercase hex digits.
func URLEncode(s string) string {
	// QueryEscape already keeps exactly the unreserved set; it only differs in
	// writing spaces as '+'. A literal '+' is always escaped to %2B, so any '+'
	// left in the output stands for a space.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// BuildURLQuery joins key=URLEncode(value) pairs in ascending key order using
// sep between pairs. Keys are written as given.
func BuildURLQuery(params map[string]string, sep byte) (string, error) {
	if sep == '=' || sep == ' ' {
		return "", ErrInvalidSeparator
	}

	var b strings.Builder
	for i, key := range slices.Sorted(maps.Keys(params)) {
		if i > 0 {
			b.WriteByte(sep)
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(URLEncode(params[key]))
	}
	return b.String(), nil
}
