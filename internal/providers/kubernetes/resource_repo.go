package kubernetes

import (
	"context"
	"log/slog"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"

	"github.com/otterscale/otterscale-mirror/internal/core"
)

// resourceRepo implements core.ResourceRepo with the Kubernetes dynamic
// client.
type resourceRepo struct {
	kubernetes *Kubernetes
}

// NewResourceRepo returns a core.ResourceRepo backed by the Kubernetes
// dynamic API.
func NewResourceRepo(kubernetes *Kubernetes) core.ResourceRepo {
	return &resourceRepo{
		kubernetes: kubernetes,
	}
}

var _ core.ResourceRepo = (*resourceRepo)(nil)

func (r *resourceRepo) ListWatcher(res core.Resource, namespace string) core.ListWatcher {
	if !res.Namespaced {
		namespace = ""
	}
	return &listWatcher{
		client: r.kubernetes.dynamic.Resource(res.GroupVersionResource).Namespace(namespace),
		log:    slog.Default().With("component", "list-watcher", "resource", res.Name),
	}
}

// listWatcher implements core.ListWatcher for one resource and
// namespace. It never retries; the reflector owns that decision.
type listWatcher struct {
	client dynamic.ResourceInterface
	log    *slog.Logger
}

var _ core.ListWatcher = (*listWatcher)(nil)

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

// List returns every object matching the selectors.
func (l *listWatcher) List(ctx context.Context, opts core.ListOptions) (*unstructured.UnstructuredList, error) {
	list, err := l.client.List(ctx, metav1.ListOptions{
		LabelSelector: opts.LabelSelector,
		FieldSelector: opts.FieldSelector,
	})
	if err != nil {
		return nil, wrapK8sError(err)
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

// Watch opens a long-lived watch stream. When SendInitialEvents is set
// the server streams the current state before switching to change
// notifications (requires Kubernetes >= 1.34).
func (l *listWatcher) Watch(ctx context.Context, opts core.WatchOptions) (core.Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	listOpts := metav1.ListOptions{
		LabelSelector:       opts.LabelSelector,
		FieldSelector:       opts.FieldSelector,
		Watch:               true,
		AllowWatchBookmarks: opts.AllowBookmarks,
		ResourceVersion:     opts.ResourceVersion,
	}
	if secs := int64(opts.Timeout.Seconds()); secs > 0 {
		listOpts.TimeoutSeconds = &secs
	}
	if opts.SendInitialEvents {
		sendInitialEvents := true
		listOpts.ResourceVersionMatch = metav1.ResourceVersionMatchNotOlderThan
		listOpts.SendInitialEvents = &sendInitialEvents
	}

	w, err := l.client.Watch(ctx, listOpts)
	if err != nil {
		return nil, wrapK8sError(err)
	}
	l.log.Debug("watch opened", "resourceVersion", opts.ResourceVersion, "sendInitialEvents", opts.SendInitialEvents)
	return newStream(w), nil
}
