package core

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
)

// Resource is a collection resolved against the server's discovery
// data.
type Resource struct {
	// Name is the resource argument as configured, e.g. "pods" or
	// "deployments.apps". Lookups accept it or the plural resource name.
	Name string
	schema.GroupVersionResource
	Kind       string
	Namespaced bool
}

// DiscoveryRepo resolves resource arguments and probes server features.
type DiscoveryRepo interface {
	Resolve(ctx context.Context, arg string) (Resource, error)
	ServerVersion(ctx context.Context) (*version.Info, error)
	SupportsWatchList(ctx context.Context) (bool, error)
}

// ResourceRepo builds the remote source of a resolved collection.
// namespace limits namespaced resources to one namespace; it is ignored
// for cluster-scoped ones.
type ResourceRepo interface {
	ListWatcher(res Resource, namespace string) ListWatcher
}

// minWatchListVersion is the minimum Kubernetes version that supports
// watch-list streaming (beta, default-on since 1.34).
// See https://kubernetes.io/docs/reference/using-api/api-concepts/#streaming-lists
var minWatchListVersion = semver.MustParse("v1.34.0")

// SupportsWatchList reports whether a server of version info streams
// initial events on watch. Vendor suffixes such as "-gke.1200" parse as
// pre-release tags and are ignored; only major.minor.patch is compared.
func SupportsWatchList(info *version.Info) (bool, error) {
	if info == nil {
		return false, fmt.Errorf("server version unknown")
	}
	kubeVersion, err := semver.NewVersion(info.String())
	if err != nil {
		return false, fmt.Errorf("parse server version %q: %w", info.String(), err)
	}
	release := semver.New(kubeVersion.Major(), kubeVersion.Minor(), kubeVersion.Patch(), "", "")
	return release.GreaterThanEqual(minWatchListVersion), nil
}
