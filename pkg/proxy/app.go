// Package proxy implements the request-routing core: the preprocessor
// that maps an inbound request into a chosen upstream's namespace, the
// forwarder that executes it, and the explicit Jellyfin route handlers.
package proxy

import (
	"time"

	"github.com/sirupsen/logrus"

	"jellyswarrm/pkg/config"
	"jellyswarrm/pkg/jellyfin"
	"jellyswarrm/pkg/mediabrowser"
	"jellyswarrm/pkg/playsession"
	"jellyswarrm/pkg/rewrite"
	"jellyswarrm/pkg/storage"
)

// Version is the Jellyfin server version the proxy reports.
const Version = "10.9.11"

// requestGrace bounds detached upstream calls (logouts dispatched off
// the request path).
const requestGrace = 10 * time.Second

// App bundles the shared state every handler needs.
type App struct {
	Store        *storage.Storage
	Clients      *jellyfin.ClientCache
	PlaySessions *playsession.Registry
	Config       *config.Snapshot

	analyzer  *rewrite.Analyzer
	processor *rewrite.Processor
	responses *rewrite.ResponseRewriter
	log       logrus.FieldLogger
}

// NewApp wires the rewrite pipeline over the given stores.
func NewApp(store *storage.Storage, clients *jellyfin.ClientCache, sessions *playsession.Registry, cfg *config.Snapshot) *App {
	return &App{
		Store:        store,
		Clients:      clients,
		PlaySessions: sessions,
		Config:       cfg,
		analyzer:     rewrite.NewAnalyzer(store, sessions),
		processor:    rewrite.NewProcessor(store),
		responses:    rewrite.NewResponseRewriter(store),
		log:          logrus.WithField("component", "proxy"),
	}
}

// clientInfo derives the identity presented to upstreams from the
// inbound authorization, so upstream session lists show the real
// client application.
func clientInfo(auth *mediabrowser.Authorization) jellyfin.ClientInfo {
	info := jellyfin.ClientInfo{
		Client:   "Jellyswarrm",
		Device:   "Jellyswarrm",
		DeviceID: "jellyswarrm-proxy",
		Version:  Version,
	}
	if auth == nil {
		return info
	}
	if auth.Client != "" {
		info.Client = auth.Client
	}
	if auth.Device != "" {
		info.Device = auth.Device
	}
	if auth.DeviceID != "" {
		info.DeviceID = auth.DeviceID
	}
	if auth.Version != "" {
		info.Version = auth.Version
	}
	return info
}
