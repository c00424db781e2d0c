// Package urlutil provides URL normalization and the path-segment id
// helpers the routing pipeline uses to spot identifiers embedded in
// request paths.
package urlutil

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Normalize canonicalizes an upstream base URL so URLs that differ only
// by trailing slash or default-port presence compare equal: scheme and
// host are lowercased, the default port is folded, the trailing slash
// dropped, query and fragment discarded.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", trace.BadParameter("invalid url %q: %v", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", trace.BadParameter("url %q must be absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// SameServer reports whether two URLs normalize to the same base.
func SameServer(a, b string) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}

// IsIDLike reports whether a path segment looks like a Jellyfin id:
// a UUID with or without dashes.
func IsIDLike(segment string) bool {
	_, err := uuid.Parse(segment)
	return err == nil
}

// ContainsID scans the path for a segment pair (name, id) where name
// matches case-insensitively and id is UUID-shaped, returning the id.
func ContainsID(path, name string) (string, bool) {
	segments := splitPath(path)
	for i := 0; i+1 < len(segments); i++ {
		if strings.EqualFold(segments[i], name) && IsIDLike(segments[i+1]) {
			return segments[i+1], true
		}
	}
	return "", false
}

// ReplaceID substitutes every occurrence of original in the path.
func ReplaceID(path, original, replacement string) string {
	return strings.ReplaceAll(path, original, replacement)
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
