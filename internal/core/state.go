package core

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/cache"
)

// Write is the write side of a local mirror. The reflector is its only
// caller and issues every call for one collection sequentially.
//
// Implementations are layered: decorators forward Add and Update and
// intercept Delete and Resync to change their timing or meaning. None
// of the methods return an error; a sink that cannot apply a mutation
// has a bug of its own.
type Write interface {
	// Add inserts or replaces the object under its key.
	Add(ctx context.Context, obj *unstructured.Unstructured)
	// Update replaces the object under its key unconditionally.
	Update(ctx context.Context, obj *unstructured.Unstructured)
	// Delete removes the object's key.
	Delete(ctx context.Context, obj *unstructured.Unstructured)
	// Resync announces that the following Add calls are a full
	// replacement of the collection.
	Resync(ctx context.Context)
}

// ResyncFinisher is implemented by sinks that need to know when the
// adds that follow a Resync are complete, typically to drop keys that
// were not re-added.
type ResyncFinisher interface {
	FinishResync(ctx context.Context)
}

// Maintainer is implemented by sinks that have deferred work. The
// returned Maintenance is a snapshot and must be requested again after
// every Perform; nil means there is nothing to do.
type Maintainer interface {
	Maintenance() Maintenance
}

// Reader is the read side of a mirror. It is safe for concurrent use
// while a single writer mutates the underlying state. Returned objects
// are shared with the store and must not be modified.
type Reader interface {
	GetByKey(key string) (*unstructured.Unstructured, bool)
	List() []*unstructured.Unstructured
	ListByNamespace(namespace string) ([]*unstructured.Unstructured, error)
	Len() int
}

// ObjectKey returns the mirror key of obj: "namespace/name", or "name"
// for cluster-scoped objects.
func ObjectKey(obj *unstructured.Unstructured) string {
	key, err := cache.MetaNamespaceKeyFunc(obj)
	if err != nil {
		// Only reachable for objects without metadata accessors, which
		// *unstructured.Unstructured always has.
		return obj.GetName()
	}
	return key
}

// finishResync forwards a resync completion to w when supported.
func finishResync(ctx context.Context, w Write) {
	if f, ok := w.(ResyncFinisher); ok {
		f.FinishResync(ctx)
	}
}

// maintenanceOf returns w's pending work, or nil.
func maintenanceOf(w Write) Maintenance {
	if m, ok := w.(Maintainer); ok {
		return m.Maintenance()
	}
	return nil
}
