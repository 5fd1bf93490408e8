package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/version"
)

// MirrorStore is the base sink of one mirrored collection.
type MirrorStore interface {
	Write
	Reader
}

// NewStoreFunc creates the base sink for a resource. It is a distinct
// type so that Wire can inject it.
type NewStoreFunc func(resource string) MirrorStore

// MirrorConfig holds the parameters shared by every mirrored resource.
type MirrorConfig struct {
	Resources         []string
	Namespace         string
	LabelSelector     string
	FieldSelector     string
	DeleteGracePeriod time.Duration
	WatchTimeout      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// MirrorInfo describes one mirrored resource.
type MirrorInfo struct {
	Resource       Resource
	Status         ReflectorStatus
	Objects        int
	PendingDeletes int
}

// mirror is the stack kept for one resource: the base store wrapped by
// DelayedDelete and driven by a Reflector.
type mirror struct {
	resource  Resource
	store     MirrorStore
	deletes   *DelayedDelete
	reflector *Reflector
}

// MirrorUseCase keeps local mirrors of the configured resources and
// serves lookups against them.
type MirrorUseCase struct {
	discovery DiscoveryRepo
	resources ResourceRepo
	newStore  NewStoreFunc
	log       *slog.Logger

	mu      sync.RWMutex
	mirrors []*mirror
}

// NewMirrorUseCase returns a MirrorUseCase. Mirrors are created by Run.
func NewMirrorUseCase(discovery DiscoveryRepo, resources ResourceRepo, newStore NewStoreFunc) *MirrorUseCase {
	return &MirrorUseCase{
		discovery: discovery,
		resources: resources,
		newStore:  newStore,
		log:       slog.Default().With("component", "mirror"),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run resolves every configured resource, starts one reflector per
// resource and blocks until ctx is cancelled or a reflector fails with
// a configuration error.
func (uc *MirrorUseCase) Run(ctx context.Context, cfg MirrorConfig) error {
	if len(cfg.Resources) == 0 {
		return &ErrInvalidOptions{Field: "resources", Message: "at least one resource is required"}
	}
	if cfg.DeleteGracePeriod <= 0 {
		cfg.DeleteGracePeriod = DefaultDeleteGracePeriod
	}

	watchList, err := uc.discovery.SupportsWatchList(ctx)
	if err != nil {
		uc.log.Warn("failed to detect watch-list support, using list and watch", "error", err)
		watchList = false
	}

	mirrors := make([]*mirror, 0, len(cfg.Resources))
	for _, arg := range cfg.Resources {
		res, err := uc.discovery.Resolve(ctx, arg)
		if err != nil {
			return fmt.Errorf("resolve resource %q: %w", arg, err)
		}
		mirrors = append(mirrors, uc.newMirror(res, cfg, watchList))
	}

	uc.mu.Lock()
	uc.mirrors = mirrors
	uc.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, m := range mirrors {
		unregister, err := RegisterPendingDeletesGauge(m.resource.Name, m.deletes)
		if err != nil {
			uc.log.Warn("failed to register pending deletes gauge", "resource", m.resource.Name, "error", err)
		} else {
			defer unregister()
		}

		eg.Go(func() error {
			if err := m.reflector.Run(egCtx); err != nil {
				return fmt.Errorf("mirror %s: %w", m.resource.Name, err)
			}
			return nil
		})
	}

	uc.log.Info("mirroring", "resources", len(mirrors), "watchList", watchList, "namespace", cfg.Namespace)
	return eg.Wait()
}

func (uc *MirrorUseCase) newMirror(res Resource, cfg MirrorConfig, watchList bool) *mirror {
	store := uc.newStore(res.Name)
	deletes := NewDelayedDelete(store, cfg.DeleteGracePeriod,
		WithDelayedDeleteLogger(uc.log.With("component", "delayed-delete", "resource", res.Name)))

	reflector := NewReflector(ReflectorConfig{
		Resource:      res.Name,
		LabelSelector: cfg.LabelSelector,
		FieldSelector: cfg.FieldSelector,
		WatchTimeout:  cfg.WatchTimeout,
		WatchList:     watchList,
		InitialList:   !watchList,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
	}, uc.resources.ListWatcher(res, cfg.Namespace), deletes)

	return &mirror{
		resource:  res,
		store:     store,
		deletes:   deletes,
		reflector: reflector,
	}
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// Mirrors describes every mirrored resource in configuration order.
func (uc *MirrorUseCase) Mirrors() []MirrorInfo {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	infos := make([]MirrorInfo, 0, len(uc.mirrors))
	for _, m := range uc.mirrors {
		infos = append(infos, m.info())
	}
	return infos
}

// Mirror describes a single mirrored resource.
func (uc *MirrorUseCase) Mirror(resource string) (MirrorInfo, error) {
	m, err := uc.lookup(resource)
	if err != nil {
		return MirrorInfo{}, err
	}
	return m.info(), nil
}

// ListObjects returns the mirrored objects of resource, limited to
// namespace when it is not empty.
func (uc *MirrorUseCase) ListObjects(resource, namespace string) ([]*unstructured.Unstructured, error) {
	m, err := uc.lookup(resource)
	if err != nil {
		return nil, err
	}
	if namespace == "" || !m.resource.Namespaced {
		return m.store.List(), nil
	}
	return m.store.ListByNamespace(namespace)
}

// GetObject returns a mirrored object. namespace must be empty for
// cluster-scoped resources.
func (uc *MirrorUseCase) GetObject(resource, namespace, name string) (*unstructured.Unstructured, error) {
	m, err := uc.lookup(resource)
	if err != nil {
		return nil, err
	}
	key := name
	if namespace != "" {
		key = namespace + "/" + name
	}
	obj, ok := m.store.GetByKey(key)
	if !ok {
		return nil, &ErrObjectNotFound{Resource: m.resource.Name, Key: key}
	}
	return obj, nil
}

// Ready reports whether every mirror has completed an initial sync.
// It is false until Run has resolved the configured resources.
func (uc *MirrorUseCase) Ready() bool {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	if len(uc.mirrors) == 0 {
		return false
	}
	for _, m := range uc.mirrors {
		if !m.reflector.HasSynced() {
			return false
		}
	}
	return true
}

// ServerVersion returns the version of the mirrored cluster.
func (uc *MirrorUseCase) ServerVersion(ctx context.Context) (*version.Info, error) {
	return uc.discovery.ServerVersion(ctx)
}

// lookup finds a mirror by its configured name or plural resource name.
func (uc *MirrorUseCase) lookup(resource string) (*mirror, error) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	for _, m := range uc.mirrors {
		if m.resource.Name == resource || strings.EqualFold(m.resource.Resource, resource) {
			return m, nil
		}
	}
	return nil, &ErrResourceNotFound{Resource: resource}
}

func (m *mirror) info() MirrorInfo {
	return MirrorInfo{
		Resource:       m.resource,
		Status:         m.reflector.Status(),
		Objects:        m.store.Len(),
		PendingDeletes: m.deletes.Len(),
	}
}
