// Package rewrite implements the identifier-virtualization pipeline:
// a JSON walker that analyzes or rewrites bodies, the request analyzer
// that harvests routing evidence, the request processor that maps
// virtual ids back to upstream ids, and the response rewriter that maps
// upstream ids into the virtual namespace.
package rewrite

import "strings"

// Field classification sets. Matching is ASCII-case-insensitive against
// the terminal key only; keys are never downcased into copies.
var (
	idFields = []string{
		"Id",
		"ItemId",
		"ParentId",
		"SeriesId",
		"SeasonId",
		"MediaSourceId",
		"PlaylistItemId",
	}

	sessionFields = []string{
		"SessionId",
		"PlaySessionId",
	}

	userFields = []string{"UserId"}

	// pathContainers are path-segment names whose following segment is
	// treated as an id when it is UUID-shaped, as in /Items/{id} or
	// /Users/{id}.
	pathContainers = []string{
		"Items",
		"Users",
		"Videos",
		"Audio",
		"Shows",
		"Playlists",
		"Persons",
		"Artists",
		"Albums",
		"Seasons",
		"Episodes",
		"MediaSources",
	}
)

func matchField(set []string, key string) bool {
	for _, f := range set {
		if strings.EqualFold(f, key) {
			return true
		}
	}
	return false
}

// IsIDField reports whether key names a media identifier.
func IsIDField(key string) bool { return matchField(idFields, key) }

// IsSessionField reports whether key names a session identifier.
func IsSessionField(key string) bool { return matchField(sessionFields, key) }

// IsUserField reports whether key names a user identifier.
func IsUserField(key string) bool { return matchField(userFields, key) }

// IsPathContainer reports whether a path segment names an id container.
func IsPathContainer(segment string) bool { return matchField(pathContainers, segment) }
