package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/utils/clock"

	"github.com/otterscale/otterscale-mirror/internal/core"
)

// DefaultTTL is the default TTL for cached resource resolutions and
// server versions. Exported so that the DI layer can use it when
// constructing a DiscoveryCache.
const DefaultTTL = 10 * time.Minute

// singleflightFetchTimeout is the maximum time a cache-miss fetch is
// allowed to run. It uses context.WithoutCancel so that a single
// caller's cancellation does not fail all singleflight waiters.
const singleflightFetchTimeout = 30 * time.Second

const versionFlightKey = "\x00version"

// DiscoveryCache provides TTL-based caching with singleflight
// deduplication in front of a core.DiscoveryRepo. Every mirrored
// resource resolves itself at startup and the HTTP index reports the
// server version on each request; both hit the cache.
type DiscoveryCache struct {
	discovery core.DiscoveryRepo
	ttl       time.Duration
	clock     clock.PassiveClock

	mu            sync.RWMutex
	resourceCache map[string]*resourceCacheEntry
	versionCache  *versionCacheEntry
	flights       singleflight.Group
}

// resourceCacheEntry pairs a resolved resource with its expiration time.
type resourceCacheEntry struct {
	resource  core.Resource
	expiresAt time.Time
}

// versionCacheEntry pairs a cached server version with its expiration.
type versionCacheEntry struct {
	version   *version.Info
	expiresAt time.Time
}

// NewDiscoveryCache returns a DiscoveryCache that wraps discovery and
// caches results for ttl.
func NewDiscoveryCache(discovery core.DiscoveryRepo, ttl time.Duration) *DiscoveryCache {
	return &DiscoveryCache{
		discovery:     discovery,
		ttl:           ttl,
		clock:         clock.RealClock{},
		resourceCache: make(map[string]*resourceCacheEntry),
	}
}

var _ core.DiscoveryRepo = (*DiscoveryCache)(nil)

// Resolve resolves a resource argument. Results are cached for the
// configured TTL and concurrent requests for the same argument are
// deduplicated via singleflight. Failures are not cached.
func (c *DiscoveryCache) Resolve(ctx context.Context, arg string) (core.Resource, error) {
	c.mu.RLock()
	entry, ok := c.resourceCache[arg]
	c.mu.RUnlock()

	if ok && c.clock.Now().Before(entry.expiresAt) {
		return entry.resource, nil
	}

	v, err, _ := c.flights.Do(arg, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), singleflightFetchTimeout)
		defer cancel()

		resolved, err := c.discovery.Resolve(fetchCtx, arg)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.resourceCache[arg] = &resourceCacheEntry{
			resource:  resolved,
			expiresAt: c.clock.Now().Add(c.ttl),
		}
		c.mu.Unlock()

		return resolved, nil
	})
	if err != nil {
		return core.Resource{}, err
	}

	return v.(core.Resource), nil
}

// ServerVersion returns the cached server version. Results are cached
// for the configured TTL and concurrent requests are deduplicated via
// singleflight.
func (c *DiscoveryCache) ServerVersion(ctx context.Context) (*version.Info, error) {
	c.mu.RLock()
	entry := c.versionCache
	c.mu.RUnlock()

	if entry != nil && c.clock.Now().Before(entry.expiresAt) {
		return entry.version, nil
	}

	v, err, _ := c.flights.Do(versionFlightKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), singleflightFetchTimeout)
		defer cancel()

		info, err := c.discovery.ServerVersion(fetchCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.versionCache = &versionCacheEntry{
			version:   info,
			expiresAt: c.clock.Now().Add(c.ttl),
		}
		c.mu.Unlock()

		return info, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*version.Info), nil
}

// SupportsWatchList reports watch-list support from the cached server
// version.
func (c *DiscoveryCache) SupportsWatchList(ctx context.Context) (bool, error) {
	info, err := c.ServerVersion(ctx)
	if err != nil {
		return false, err
	}
	return core.SupportsWatchList(info)
}

// StartEvictionLoop periodically removes expired cache entries. It
// blocks until ctx is cancelled.
func (c *DiscoveryCache) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	log := slog.Default().With("component", "discovery-cache-evictor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.evictExpired(); evicted > 0 {
				log.Info("evicted expired cache entries", "count", evicted)
			}
		}
	}
}

// evictExpired removes expired entries and returns how many it removed.
func (c *DiscoveryCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for key, entry := range c.resourceCache {
		if now.After(entry.expiresAt) {
			delete(c.resourceCache, key)
			evicted++
		}
	}
	if c.versionCache != nil && now.After(c.versionCache.expiresAt) {
		c.versionCache = nil
		evicted++
	}
	return evicted
}
