package mediabrowser

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAuthorization(t *testing.T) {
	auth, err := ParseAuthorization(`MediaBrowser Client="Jellyfin Web", Device="Chrome", DeviceId="dev-1", Version="10.9.2", Token="abc123"`)
	require.NoError(t, err)
	require.Equal(t, "Jellyfin Web", auth.Client)
	require.Equal(t, "Chrome", auth.Device)
	require.Equal(t, "dev-1", auth.DeviceID)
	require.Equal(t, "10.9.2", auth.Version)
	require.Equal(t, "abc123", auth.Token)
}

func TestParseAuthorizationEmbyScheme(t *testing.T) {
	auth, err := ParseAuthorization(`Emby client="Findroid", deviceid="d", token="t"`)
	require.NoError(t, err)
	require.Equal(t, "Findroid", auth.Client)
	require.Equal(t, "d", auth.DeviceID)
	require.Equal(t, "t", auth.Token)
}

func TestParseAuthorizationQuotedComma(t *testing.T) {
	auth, err := ParseAuthorization(`MediaBrowser Client="Web, Desktop", Token="t"`)
	require.NoError(t, err)
	require.Equal(t, "Web, Desktop", auth.Client)
	require.Equal(t, "t", auth.Token)
}

func TestParseAuthorizationUnknownScheme(t *testing.T) {
	_, err := ParseAuthorization(`Bearer abc`)
	require.Error(t, err)
}

func TestStringEmitsPascalCase(t *testing.T) {
	auth := &Authorization{Client: "Web", Device: "Chrome", DeviceID: "d1", Version: "1.0", Token: "tok"}
	require.Equal(t,
		`MediaBrowser Client="Web", Device="Chrome", DeviceId="d1", Version="1.0", Token="tok"`,
		auth.String())

	// Round trip.
	parsed, err := ParseAuthorization(auth.String())
	require.NoError(t, err)
	require.Equal(t, auth, parsed)
}

func TestStringOmitsEmptyFields(t *testing.T) {
	auth := &Authorization{Client: "Web"}
	require.Equal(t, `MediaBrowser Client="Web"`, auth.String())
}

func TestFromRequestHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Emby-Authorization", `MediaBrowser Client="Web", Token="t1"`)
	auth, err := FromRequestHeaders(h.Get)
	require.NoError(t, err)
	require.Equal(t, "t1", auth.Token)

	h = http.Header{}
	h.Set("X-Emby-Token", "t2")
	auth, err = FromRequestHeaders(h.Get)
	require.NoError(t, err)
	require.Equal(t, "t2", auth.Token)

	_, err = FromRequestHeaders(http.Header{}.Get)
	require.Error(t, err)
}

func TestGenerateToken(t *testing.T) {
	token := GenerateToken()
	require.Len(t, token, 32)
	require.NotEqual(t, token, GenerateToken())
}
