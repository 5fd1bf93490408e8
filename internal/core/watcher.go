package core

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
)

// WatchEventType represents the type of a resource watch event.
// This is a domain-level type that decouples the core layer from
// k8s.io/apimachinery/pkg/watch.EventType.
type WatchEventType string

const (
	WatchEventAdded    WatchEventType = "ADDED"
	WatchEventModified WatchEventType = "MODIFIED"
	WatchEventDeleted  WatchEventType = "DELETED"
	WatchEventBookmark WatchEventType = "BOOKMARK"
	WatchEventError    WatchEventType = "ERROR"
)

// WatchEvent represents a single event from a resource watch stream.
//
// Object is set for ADDED, MODIFIED, DELETED and BOOKMARK events.
// ResourceVersion is the resume token carried by the event. Err is set
// only for ERROR events and is already classified by the transport:
// either an *InvocationError of kind InvocationDesync or a *StreamError.
type WatchEvent struct {
	Type            WatchEventType
	Object          *unstructured.Unstructured
	ResourceVersion string
	Err             error
}

// WatchOptions carries the parameters of a single watch invocation.
type WatchOptions struct {
	// ResourceVersion is the resume token. Empty means "start from
	// now", which for Kubernetes begins with synthetic ADDED events
	// for every existing object.
	ResourceVersion string
	LabelSelector   string
	FieldSelector   string
	// Timeout is a server-side timeout hint. Zero lets the server pick.
	Timeout time.Duration
	// AllowBookmarks requests BOOKMARK events.
	AllowBookmarks bool
	// SendInitialEvents requests a watch-list stream. Only valid with
	// an empty ResourceVersion.
	SendInitialEvents bool
}

// Validate rejects malformed options. The returned error is an
// *ErrInvalidOptions, which the reflector treats as fatal.
func (o WatchOptions) Validate() error {
	if o.Timeout < 0 {
		return &ErrInvalidOptions{Field: "timeout", Message: "must not be negative"}
	}
	if o.LabelSelector != "" {
		if _, err := labels.Parse(o.LabelSelector); err != nil {
			return &ErrInvalidOptions{Field: "labelSelector", Message: err.Error()}
		}
	}
	if o.FieldSelector != "" {
		if _, err := fields.ParseSelector(o.FieldSelector); err != nil {
			return &ErrInvalidOptions{Field: "fieldSelector", Message: err.Error()}
		}
	}
	if o.SendInitialEvents && o.ResourceVersion != "" {
		return &ErrInvalidOptions{Field: "sendInitialEvents", Message: "requires an empty resource version"}
	}
	return nil
}

// ListOptions carries the parameters of a full list used by resync.
type ListOptions struct {
	LabelSelector string
	FieldSelector string
}

// Stream is an established watch. ResultChan yields events until the
// stream ends, at which point the channel is closed and Err reports
// why: a *StreamError, or nil when the server closed the connection
// cleanly. Stop releases the stream and is safe to call repeatedly.
type Stream interface {
	ResultChan() <-chan WatchEvent
	Err() error
	Stop()
}

// Watcher begins watch streams. Implementations do not retry; a failed
// invocation returns an *InvocationError (or *ErrInvalidOptions for
// malformed options) and the caller decides what to do next.
type Watcher interface {
	Watch(ctx context.Context, opts WatchOptions) (Stream, error)
}

// Lister performs the full list used to resync a collection.
type Lister interface {
	List(ctx context.Context, opts ListOptions) (*unstructured.UnstructuredList, error)
}

// ListWatcher is the remote source of one resource collection.
type ListWatcher interface {
	Lister
	Watcher
}
