package post

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// Slugify converts a title to a URL-safe slug.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prev := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prev = false
		default:
			if !prev && b.Len() > 0 {
				b.WriteByte('-')
				prev = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// DeriveSlug builds the default slug from a post date and title.
func DeriveSlug(date, title string) string {
	t := Slugify(title)
	if t == "" {
		return date
	}
	return date + "-" + t
}

// Key identifies block n of a note.
func Key(notePath string, n int) string {
	return notePath + "#" + strconv.Itoa(n)
}

// ParseKey splits a post key into its note path and block ordinal.
// A key without a numeric "#n" suffix refers to the first block.
func ParseKey(key string) (string, int, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", 0, fmt.Errorf("post key is empty")
	}
	notePath, n := key, 0
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		if v, err := strconv.Atoi(key[i+1:]); err == nil {
			if v < 0 {
				return "", 0, fmt.Errorf("post key %q has a negative block index", key)
			}
			notePath, n = key[:i], v
		}
	}
	if notePath == "" {
		return "", 0, fmt.Errorf("post key %q has no note path", key)
	}
	return notePath, n, nil
}

// LiveURL joins a site URL with path segments, ensuring a trailing slash.
func LiveURL(base string, segments ...string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	u.Path = path.Join(u.Path, path.Join(segments...))
	if len(segments) > 0 && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}
