// Package config holds the proxy configuration record. All values come
// from the command line; there are no implicit environment overrides.
package config

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Config is the proxy configuration record.
type Config struct {
	// BindAddress is the address the HTTP server listens on.
	BindAddress string `name:"bind-address" default:":3000" help:"Listen address for the proxy."`

	// PublicAddress is the externally reachable address reported to clients.
	PublicAddress string `name:"public-address" default:"http://localhost:3000" help:"Address advertised to clients."`

	// AdminUsername and AdminPassword guard provisioning. The admin
	// password also wraps every stored server-mapping credential.
	AdminUsername string `name:"admin-username" default:"admin" help:"Admin username."`
	AdminPassword string `name:"admin-password" default:"" help:"Admin password."`

	// ServerID is the UUID this proxy reports as its Jellyfin server id.
	ServerID string `name:"server-id" default:"" help:"Server id (UUID) reported to clients."`

	// ServerName is the display name reported to clients.
	ServerName string `name:"server-name" default:"Jellyswarrm Proxy" help:"Server name reported to clients."`

	// RouteBase is the path prefix the admin UI is served under.
	RouteBase string `name:"route-base" default:"/jellyswarrm" help:"Base path for the admin UI."`

	// DatabaseURL is the sqlite database path or DSN.
	DatabaseURL string `name:"database-url" default:"jellyswarrm.db" help:"Database path."`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `name:"tls-cert" default:"" help:"TLS certificate file."`
	TLSKey  string `name:"tls-key" default:"" help:"TLS key file."`
}

// CheckAndSetDefaults validates the record and fills derived defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BindAddress == "" {
		return trace.BadParameter("bind address is required")
	}
	if c.AdminUsername == "" {
		return trace.BadParameter("admin username is required")
	}
	if c.ServerID == "" {
		c.ServerID = uuid.NewString()
	} else if _, err := uuid.Parse(c.ServerID); err != nil {
		return trace.BadParameter("server id must be a UUID: %v", err)
	}
	if c.ServerName == "" {
		c.ServerName = "Jellyswarrm Proxy"
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return trace.BadParameter("tls-cert and tls-key must be set together")
	}
	return nil
}

// Snapshot is a read-lock-mostly holder for the live configuration.
// Readers get a copy; writers swap the whole record.
type Snapshot struct {
	mu  sync.RWMutex
	cfg Config
}

// NewSnapshot returns a snapshot holding cfg.
func NewSnapshot(cfg Config) *Snapshot {
	return &Snapshot{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (s *Snapshot) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Swap replaces the current configuration.
func (s *Snapshot) Swap(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
