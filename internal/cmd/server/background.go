package server

import (
	"context"
	"time"

	"github.com/otterscale/otterscale-mirror/internal/core"
	"github.com/otterscale/otterscale-mirror/internal/providers/cache"
	"github.com/otterscale/otterscale-mirror/internal/transport"
)

// cacheEvictionInterval is the interval at which the discovery cache
// evictor removes expired resource and version entries.
const cacheEvictionInterval = 5 * time.Minute

// BackgroundListeners are the non-HTTP components that share the
// server's lifecycle.
type BackgroundListeners []transport.Listener

// ProvideBackgroundListeners constructs the background transport
// listeners that participate in the server's managed lifecycle.
func ProvideBackgroundListeners(discoveryCache *cache.DiscoveryCache) BackgroundListeners {
	return BackgroundListeners{
		&cacheEvictorListener{cache: discoveryCache},
	}
}

// cacheEvictorListener adapts DiscoveryCache.StartEvictionLoop to
// the transport.Listener interface.
type cacheEvictorListener struct {
	cache *cache.DiscoveryCache
}

func (l *cacheEvictorListener) Start(ctx context.Context) error {
	l.cache.StartEvictionLoop(ctx, cacheEvictionInterval)
	return nil
}

func (l *cacheEvictorListener) Stop(_ context.Context) error {
	return nil // evictor stops when its context is cancelled
}

// mirrorListener adapts MirrorUseCase.Run to the transport.Listener
// interface. A configuration error ends Run and with it the process.
type mirrorListener struct {
	mirror *core.MirrorUseCase
	cfg    core.MirrorConfig
}

func (l *mirrorListener) Start(ctx context.Context) error {
	return l.mirror.Run(ctx, l.cfg)
}

func (l *mirrorListener) Stop(_ context.Context) error {
	return nil // reflectors stop when their context is cancelled
}
