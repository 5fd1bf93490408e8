// Package cache provides the in-memory stores that back the mirror and
// the caching of discovery data. It lives in the providers layer
// because storage is an infrastructure concern; the domain layer
// (internal/core) only defines the Write and Reader interfaces.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/cache"

	"github.com/otterscale/otterscale-mirror/internal/core"
)

// Store is the base sink of a mirror: a thread-safe key→object map
// with a namespace index. It is written by a single reflector and read
// concurrently by the HTTP handlers.
type Store struct {
	items cache.ThreadSafeStore
	log   *slog.Logger

	// stale holds the keys present when a resync began that have not
	// been re-added since. Only touched by the writer.
	stale map[string]struct{}
}

// NewStore returns an empty Store for resource.
func NewStore(resource string) *Store {
	return &Store{
		items: cache.NewThreadSafeStore(cache.Indexers{
			cache.NamespaceIndex: cache.MetaNamespaceIndexFunc,
		}, cache.Indices{}),
		log: slog.Default().With("component", "store", "resource", resource),
	}
}

var (
	_ core.Write          = (*Store)(nil)
	_ core.ResyncFinisher = (*Store)(nil)
	_ core.Reader         = (*Store)(nil)
)

// ---------------------------------------------------------------------------
// Write
// ---------------------------------------------------------------------------

func (s *Store) Add(_ context.Context, obj *unstructured.Unstructured) {
	key := core.ObjectKey(obj)
	delete(s.stale, key)
	s.items.Add(key, obj)
}

func (s *Store) Update(_ context.Context, obj *unstructured.Unstructured) {
	key := core.ObjectKey(obj)
	delete(s.stale, key)
	s.items.Update(key, obj)
}

func (s *Store) Delete(_ context.Context, obj *unstructured.Unstructured) {
	s.items.Delete(core.ObjectKey(obj))
}

// Resync marks every current key as stale. Keys that are not re-added
// before FinishResync are removed.
func (s *Store) Resync(_ context.Context) {
	keys := s.items.ListKeys()
	s.stale = make(map[string]struct{}, len(keys))
	for _, key := range keys {
		s.stale[key] = struct{}{}
	}
}

// FinishResync removes the keys that were not re-added since Resync.
func (s *Store) FinishResync(_ context.Context) {
	for key := range s.stale {
		s.items.Delete(key)
	}
	if n := len(s.stale); n > 0 {
		s.log.Debug("resync removed stale objects", "count", n)
	}
	s.stale = nil
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

func (s *Store) GetByKey(key string) (*unstructured.Unstructured, bool) {
	item, ok := s.items.Get(key)
	if !ok {
		return nil, false
	}
	return item.(*unstructured.Unstructured), true
}

// List returns every object ordered by key.
func (s *Store) List() []*unstructured.Unstructured {
	return sortedObjects(s.items.List())
}

// ListByNamespace returns the objects in namespace ordered by key.
func (s *Store) ListByNamespace(namespace string) ([]*unstructured.Unstructured, error) {
	items, err := s.items.ByIndex(cache.NamespaceIndex, namespace)
	if err != nil {
		return nil, fmt.Errorf("list namespace %q: %w", namespace, err)
	}
	return sortedObjects(items), nil
}

func (s *Store) Len() int {
	return len(s.items.ListKeys())
}

func sortedObjects(items []any) []*unstructured.Unstructured {
	objs := make([]*unstructured.Unstructured, 0, len(items))
	for _, item := range items {
		objs = append(objs, item.(*unstructured.Unstructured))
	}
	sort.Slice(objs, func(i, j int) bool {
		return core.ObjectKey(objs[i]) < core.ObjectKey(objs[j])
	})
	return objs
}
