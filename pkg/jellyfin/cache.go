package jellyfin

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"jellyswarrm/pkg/urlutil"
)

const (
	// DefaultCacheCapacity bounds the number of live upstream clients.
	DefaultCacheCapacity = 256
	// DefaultCacheTTL is the idle lifetime of a cached client.
	DefaultCacheTTL = 30 * time.Minute

	// logoutTimeout bounds the fire-and-forget logout dispatched for an
	// evicted handle.
	logoutTimeout = 10 * time.Second
)

type cacheKey struct {
	baseURL string
	info    ClientInfo
	userKey string
}

// ClientCache is a bounded pool of authenticated upstream clients keyed
// by (normalized base URL, client info, optional per-user key). Handles
// idle past the TTL, or squeezed out by capacity, are evicted; if an
// evicted handle still holds a token a logout is dispatched
// asynchronously, and eviction never waits for it.
type ClientCache struct {
	cache *ttlcache.Cache[cacheKey, *Client]
	group singleflight.Group
	log   logrus.FieldLogger
}

// NewClientCache builds a cache with the given capacity and idle TTL.
// Call Close when done to stop the maintenance loop.
func NewClientCache(capacity uint64, ttl time.Duration) *ClientCache {
	cc := &ClientCache{
		log: logrus.WithField("component", "clientcache"),
	}
	cc.cache = ttlcache.New[cacheKey, *Client](
		ttlcache.WithTTL[cacheKey, *Client](ttl),
		ttlcache.WithCapacity[cacheKey, *Client](capacity),
	)
	cc.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[cacheKey, *Client]) {
		client := item.Value()
		if client.Token() == "" {
			return
		}
		// Detached from the evictor: logout must never block a cache
		// maintenance tick or a live request.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
			defer cancel()
			if err := client.Logout(ctx); err != nil {
				cc.log.WithError(err).WithField("server", client.BaseURL()).
					Warn("Failed to log out evicted client.")
			}
		}()
	})
	go cc.cache.Start()
	return cc
}

// Get returns the cached client for (baseURL, info, userKey), building
// one on miss. Concurrent misses for the same key are coalesced: one
// construction, all callers share the handle.
func (cc *ClientCache) Get(baseURL string, info ClientInfo, userKey string) (*Client, error) {
	normalized, err := urlutil.Normalize(baseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := cacheKey{baseURL: normalized, info: info, userKey: userKey}

	if item := cc.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	flightKey := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		normalized, info.Client, info.Device, info.DeviceID, info.Version, userKey)
	v, err, _ := cc.group.Do(flightKey, func() (any, error) {
		// A winner may have populated the cache between the miss and
		// the flight.
		if item := cc.cache.Get(key); item != nil {
			return item.Value(), nil
		}
		client, err := NewClient(normalized, info)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cc.cache.Set(key, client, ttlcache.DefaultTTL)
		return client, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.(*Client), nil
}

// Len returns the number of cached handles.
func (cc *ClientCache) Len() int {
	return cc.cache.Len()
}

// Close stops the maintenance loop and evicts every handle, dispatching
// logouts for those still holding tokens.
func (cc *ClientCache) Close() {
	cc.cache.Stop()
	cc.cache.DeleteAll()
}
