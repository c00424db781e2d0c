// Package playsession tracks which upstream a play session belongs to,
// so progress and stop notifications can be routed when the request
// body alone does not say. Entries are ephemeral: an explicit stop or
// the inactivity window removes them.
package playsession

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"jellyswarrm/pkg/storage"
)

// DefaultTTL is the inactivity window after which a play session is
// forgotten.
const DefaultTTL = 12 * time.Hour

// Session correlates a client play-session id with the upstream that
// is serving it.
type Session struct {
	// ID is the PlaySessionId issued by the upstream.
	ID string
	// VirtualItemID is the item in the proxy's namespace.
	VirtualItemID string
	// UserVirtualID identifies the virtual user playing.
	UserVirtualID string
	// Server is the upstream serving the stream.
	Server storage.Server
}

// Registry is the ephemeral play-session map. Access refreshes the
// inactivity window.
type Registry struct {
	cache *ttlcache.Cache[string, Session]
}

// NewRegistry builds a registry with the given inactivity TTL.
func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{
		cache: ttlcache.New[string, Session](
			ttlcache.WithTTL[string, Session](ttl),
		),
	}
	go r.cache.Start()
	return r
}

// Add registers or refreshes a play session.
func (r *Registry) Add(s Session) {
	r.cache.Set(s.ID, s, ttlcache.DefaultTTL)
}

// Get looks up a play session by id.
func (r *Registry) Get(playSessionID string) (Session, bool) {
	item := r.cache.Get(playSessionID)
	if item == nil {
		return Session{}, false
	}
	return item.Value(), true
}

// GetByItem returns the first session playing the given virtual item.
func (r *Registry) GetByItem(virtualItemID string) (Session, bool) {
	var found Session
	ok := false
	r.cache.Range(func(item *ttlcache.Item[string, Session]) bool {
		if item.Value().VirtualItemID == virtualItemID {
			found = item.Value()
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Remove forgets a play session.
func (r *Registry) Remove(playSessionID string) {
	r.cache.Delete(playSessionID)
}

// Close stops the expiry loop.
func (r *Registry) Close() {
	r.cache.Stop()
}
