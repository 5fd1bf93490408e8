package kubernetes

import (
	"context"
	"log/slog"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/restmapper"

	"github.com/otterscale/otterscale-mirror/internal/core"
)

// discoveryRepo implements core.DiscoveryRepo with the discovery API
// of the mirrored cluster.
type discoveryRepo struct {
	kubernetes *Kubernetes
	mapper     meta.RESTMapper
	log        *slog.Logger
}

// NewDiscoveryRepo returns a core.DiscoveryRepo backed by the
// Kubernetes discovery API. Discovery documents are cached in memory
// and refreshed once when an argument does not resolve.
func NewDiscoveryRepo(kubernetes *Kubernetes) core.DiscoveryRepo {
	log := slog.Default().With("component", "discovery")
	cached := memory.NewMemCacheClient(kubernetes.discovery)
	deferred := restmapper.NewDeferredDiscoveryRESTMapper(cached)
	return &discoveryRepo{
		kubernetes: kubernetes,
		mapper: restmapper.NewShortcutExpander(deferred, cached, func(msg string) {
			log.Warn(msg)
		}),
		log: log,
	}
}

var _ core.DiscoveryRepo = (*discoveryRepo)(nil)

// Resolve maps a resource argument such as "pods", "deploy",
// "deployments.apps" or "deployments.v1.apps" to its resource, kind and
// scope. An argument the server does not know is an
// *core.ErrInvalidOptions.
func (d *discoveryRepo) Resolve(_ context.Context, arg string) (core.Resource, error) {
	gvr, err := d.resourceFor(arg)
	if meta.IsNoMatchError(err) {
		// New CRDs appear after the first discovery.
		d.log.Debug("resource not in cached discovery, refreshing", "resource", arg)
		meta.MaybeResetRESTMapper(d.mapper)
		gvr, err = d.resourceFor(arg)
	}
	if err != nil {
		if meta.IsNoMatchError(err) {
			return core.Resource{}, &core.ErrInvalidOptions{Field: "resource", Message: err.Error()}
		}
		return core.Resource{}, wrapK8sError(err)
	}

	gvk, err := d.mapper.KindFor(gvr)
	if err != nil {
		return core.Resource{}, wrapK8sError(err)
	}
	mapping, err := d.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return core.Resource{}, wrapK8sError(err)
	}

	return core.Resource{
		Name:                 arg,
		GroupVersionResource: mapping.Resource,
		Kind:                 gvk.Kind,
		Namespaced:           mapping.Scope.Name() == meta.RESTScopeNameNamespace,
	}, nil
}

// resourceFor resolves arg the way kubectl does: a fully specified
// resource.version.group wins when the server knows it, otherwise the
// preferred version of resource.group is used.
func (d *discoveryRepo) resourceFor(arg string) (schema.GroupVersionResource, error) {
	fully, groupResource := schema.ParseResourceArg(arg)
	if fully != nil {
		if gvr, err := d.mapper.ResourceFor(*fully); err == nil {
			return gvr, nil
		}
	}
	return d.mapper.ResourceFor(groupResource.WithVersion(""))
}

// ServerVersion returns the Kubernetes version of the mirrored cluster.
func (d *discoveryRepo) ServerVersion(_ context.Context) (*version.Info, error) {
	info, err := d.kubernetes.discovery.ServerVersion()
	if err != nil {
		return nil, wrapK8sError(err)
	}
	return info, nil
}

// SupportsWatchList reports whether the mirrored cluster supports the
// WatchList streaming feature.
func (d *discoveryRepo) SupportsWatchList(ctx context.Context) (bool, error) {
	info, err := d.ServerVersion(ctx)
	if err != nil {
		return false, err
	}
	return core.SupportsWatchList(info)
}
