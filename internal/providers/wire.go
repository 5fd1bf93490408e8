// Package providers aggregates all infrastructure-layer implementations
// (kubernetes, cache) into a single Wire provider set.
package providers

import (
	"github.com/google/wire"

	"github.com/otterscale/otterscale-mirror/internal/core"
	"github.com/otterscale/otterscale-mirror/internal/providers/cache"
	"github.com/otterscale/otterscale-mirror/internal/providers/kubernetes"
)

// ProviderSet is the Wire provider set for all external adapters.
var ProviderSet = wire.NewSet(
	kubernetes.New,
	kubernetes.NewResourceRepo,
	ProvideDiscoveryCache,
	wire.Bind(new(core.DiscoveryRepo), new(*cache.DiscoveryCache)),
	ProvideNewStoreFunc,
)

// ProvideDiscoveryCache puts the TTL cache in front of the cluster's
// discovery API. Everything that needs a core.DiscoveryRepo gets the
// cached one.
func ProvideDiscoveryCache(k *kubernetes.Kubernetes) *cache.DiscoveryCache {
	return cache.NewDiscoveryCache(kubernetes.NewDiscoveryRepo(k), cache.DefaultTTL)
}

// ProvideNewStoreFunc returns the factory of the in-memory base store
// of each mirrored resource.
func ProvideNewStoreFunc() core.NewStoreFunc {
	return func(resource string) core.MirrorStore {
		return cache.NewStore(resource)
	}
}
