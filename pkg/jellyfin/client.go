// Package jellyfin is the proxy's client for upstream Jellyfin servers:
// a thin API client with a shared token slot, and a bounded cache of
// authenticated clients that logs out evicted handles.
package jellyfin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"jellyswarrm/pkg/mediabrowser"
	"jellyswarrm/pkg/urlutil"
)

const (
	// Upstream call deadlines; connects fail fast so a dead server does
	// not stall a client request for the full timeout.
	requestTimeout = 30 * time.Second
	connectTimeout = 5 * time.Second
)

// ClientInfo describes the client identity presented to upstreams.
// It is comparable and participates in cache keys.
type ClientInfo struct {
	Client   string
	Device   string
	DeviceID string
	Version  string
}

// Client talks to one upstream Jellyfin server. The token slot is a
// shared mutable cell: every clone of the handle observes writes, and
// every outbound call reads it. Last writer wins.
type Client struct {
	baseURL string
	info    ClientInfo
	http    *http.Client
	log     logrus.FieldLogger

	mu    sync.RWMutex
	token string
}

// NewClient builds a client for the given (already normalized) base URL
// with a fresh transport.
func NewClient(baseURL string, info ClientInfo) (*Client, error) {
	normalized, err := urlutil.Normalize(baseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		baseURL: normalized,
		info:    info,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
				MaxIdleConnsPerHost: 8,
			},
			// Redirects go back to the caller untouched.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logrus.WithField("component", "jellyfin"),
	}, nil
}

// BaseURL returns the normalized upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient exposes the underlying transport for forwarded requests.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Token reads the shared token slot.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken writes the shared token slot.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) authorization() string {
	auth := mediabrowser.Authorization{
		Client:   c.info.Client,
		Device:   c.info.Device,
		DeviceID: c.info.DeviceID,
		Version:  c.info.Version,
		Token:    c.Token(),
	}
	return auth.String()
}

// doJSON performs a JSON request against the upstream and decodes the
// response into out (which may be nil for fire-and-forget calls).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return trace.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authorization())

	resp, err := c.http.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "upstream %v unreachable", c.baseURL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return trace.AccessDenied("upstream rejected credentials")
	case resp.StatusCode == http.StatusNotFound:
		return trace.NotFound("upstream resource not found")
	case resp.StatusCode >= 500:
		return trace.ConnectionProblem(nil, "upstream %v returned %v", c.baseURL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return trace.BadParameter("upstream %v returned %v", c.baseURL, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return trace.Wrap(err, "decoding upstream response")
	}
	return nil
}

// AuthenticateByName authenticates against the upstream and stores the
// issued token in the shared slot.
func (c *Client) AuthenticateByName(ctx context.Context, username, password string) (*AuthenticationResult, error) {
	var result AuthenticationResult
	err := c.doJSON(ctx, http.MethodPost, "/Users/AuthenticateByName", map[string]string{
		"Username": username,
		"Pw":       password,
	}, &result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if result.AccessToken == "" {
		return nil, trace.AccessDenied("upstream returned no access token")
	}
	c.SetToken(result.AccessToken)
	return &result, nil
}

// Logout revokes the upstream session for the current token and clears
// the slot.
func (c *Client) Logout(ctx context.Context) error {
	if c.Token() == "" {
		return nil
	}
	err := c.doJSON(ctx, http.MethodPost, "/Sessions/Logout", nil, nil)
	c.SetToken("")
	return trace.Wrap(err)
}

// BrandingConfiguration fetches the upstream's branding.
func (c *Client) BrandingConfiguration(ctx context.Context) (*BrandingConfig, error) {
	var branding BrandingConfig
	if err := c.doJSON(ctx, http.MethodGet, "/Branding/Configuration", nil, &branding); err != nil {
		return nil, trace.Wrap(err)
	}
	return &branding, nil
}

// PublicSystemInfo fetches the upstream's public identity.
func (c *Client) PublicSystemInfo(ctx context.Context) (*PublicSystemInfo, error) {
	var info PublicSystemInfo
	if err := c.doJSON(ctx, http.MethodGet, "/System/Info/Public", nil, &info); err != nil {
		return nil, trace.Wrap(err)
	}
	return &info, nil
}
