package ledger

import (
	"net/url"
	"strings"
)

// Key joins path segments into a state key, escaping each so that
// user-supplied names containing "/" cannot collide.
func Key(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, "/")
}

// Prefix returns Key(segments...) followed by a separator, for use with Keys.
func Prefix(segments ...string) string {
	return Key(segments...) + "/"
}

// SplitKey reverses Key. Segments that fail to unescape are returned verbatim.
func SplitKey(key string) []string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		if u, err := url.PathUnescape(p); err == nil {
			parts[i] = u
		}
	}
	return parts
}
