package jellyfin

import "encoding/json"

// AuthenticationResult is the response to /Users/AuthenticateByName.
type AuthenticationResult struct {
	User        *UserDto     `json:"User,omitempty"`
	SessionInfo *SessionInfo `json:"SessionInfo,omitempty"`
	AccessToken string       `json:"AccessToken"`
	ServerID    string       `json:"ServerId"`
}

// UserDto is the subset of Jellyfin's user model the proxy touches.
type UserDto struct {
	Name     string `json:"Name"`
	ServerID string `json:"ServerId,omitempty"`
	ID       string `json:"Id"`
}

// SessionInfo identifies the upstream-side session created by an
// authentication.
type SessionInfo struct {
	ID     string `json:"Id"`
	UserID string `json:"UserId,omitempty"`
}

// PublicSystemInfo is the response to /System/Info/Public.
type PublicSystemInfo struct {
	LocalAddress           string `json:"LocalAddress,omitempty"`
	ServerName             string `json:"ServerName"`
	Version                string `json:"Version,omitempty"`
	ProductName            string `json:"ProductName,omitempty"`
	OperatingSystem        string `json:"OperatingSystem,omitempty"`
	ID                     string `json:"Id"`
	StartupWizardCompleted bool   `json:"StartupWizardCompleted,omitempty"`
}

// BrandingConfig is the response to /Branding/Configuration.
type BrandingConfig struct {
	LoginDisclaimer     string `json:"LoginDisclaimer"`
	CustomCSS           string `json:"CustomCss"`
	SplashscreenEnabled bool   `json:"SplashscreenEnabled"`
}

// PlaybackInfoResponse is the envelope of /Items/{id}/PlaybackInfo and
// /LiveStreams/Open. MediaSources stay raw so rewriting preserves every
// field the upstream sent.
type PlaybackInfoResponse struct {
	MediaSources  []json.RawMessage `json:"MediaSources"`
	PlaySessionID string            `json:"PlaySessionId,omitempty"`
	ErrorCode     string            `json:"ErrorCode,omitempty"`
}
