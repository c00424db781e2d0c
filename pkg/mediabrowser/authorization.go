// Package mediabrowser implements the MediaBrowser authorization header
// scheme Jellyfin clients use:
//
//	MediaBrowser Client="Web", Device="Chrome", DeviceId="abc", Version="10.9", Token="..."
//
// Keys are case-insensitive on parse and PascalCase on emit. "Emby" is
// accepted as an alternative scheme keyword.
package mediabrowser

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Authorization is a parsed MediaBrowser credential string.
type Authorization struct {
	Client   string
	Device   string
	DeviceID string
	Version  string
	Token    string
}

// ParseAuthorization parses a MediaBrowser or Emby authorization header
// value. It tolerates missing fields; an unrecognized scheme is an error.
func ParseAuthorization(header string) (*Authorization, error) {
	header = strings.TrimSpace(header)
	rest, ok := cutScheme(header, "MediaBrowser")
	if !ok {
		rest, ok = cutScheme(header, "Emby")
	}
	if !ok {
		return nil, trace.BadParameter("unsupported authorization scheme")
	}

	auth := &Authorization{}
	for _, part := range splitParams(rest) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch {
		case strings.EqualFold(key, "Client"):
			auth.Client = value
		case strings.EqualFold(key, "Device"):
			auth.Device = value
		case strings.EqualFold(key, "DeviceId"):
			auth.DeviceID = value
		case strings.EqualFold(key, "Version"):
			auth.Version = value
		case strings.EqualFold(key, "Token"):
			auth.Token = value
		}
	}
	return auth, nil
}

// FromRequestHeaders extracts an Authorization from the header set a
// Jellyfin client may use: the Authorization and X-Emby-Authorization
// headers carry the full credential string, X-Emby-Token and
// X-MediaBrowser-Token carry a bare token.
func FromRequestHeaders(get func(string) string) (*Authorization, error) {
	for _, name := range []string{"Authorization", "X-Emby-Authorization"} {
		if value := get(name); value != "" {
			auth, err := ParseAuthorization(value)
			if err == nil {
				return auth, nil
			}
		}
	}
	for _, name := range []string{"X-Emby-Token", "X-MediaBrowser-Token"} {
		if token := get(name); token != "" {
			return &Authorization{Token: token}, nil
		}
	}
	return nil, trace.NotFound("no authorization header present")
}

// String emits the credential string with PascalCase keys and quoted
// values. Empty fields are omitted.
func (a *Authorization) String() string {
	var parts []string
	appendPart := func(key, value string) {
		if value != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", key, value))
		}
	}
	appendPart("Client", a.Client)
	appendPart("Device", a.Device)
	appendPart("DeviceId", a.DeviceID)
	appendPart("Version", a.Version)
	appendPart("Token", a.Token)
	return "MediaBrowser " + strings.Join(parts, ", ")
}

// WithToken returns a copy of a carrying the given token.
func (a *Authorization) WithToken(token string) *Authorization {
	clone := *a
	clone.Token = token
	return &clone
}

// GenerateToken mints a 32-hex-character access token, the same shape
// as a virtual id so clients never reject it.
func GenerateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func cutScheme(header, scheme string) (string, bool) {
	if len(header) > len(scheme) &&
		strings.EqualFold(header[:len(scheme)], scheme) &&
		header[len(scheme)] == ' ' {
		return header[len(scheme)+1:], true
	}
	return "", false
}

// splitParams splits a credential string on commas that are not inside
// quoted values.
func splitParams(s string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, strings.TrimSpace(sb.String()))
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		parts = append(parts, strings.TrimSpace(sb.String()))
	}
	return parts
}
