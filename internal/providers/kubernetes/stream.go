package kubernetes

import (
	"fmt"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/otterscale/otterscale-mirror/internal/core"
)

// eventTypes maps apimachinery event types to domain event types.
var eventTypes = map[watch.EventType]core.WatchEventType{
	watch.Added:    core.WatchEventAdded,
	watch.Modified: core.WatchEventModified,
	watch.Deleted:  core.WatchEventDeleted,
	watch.Bookmark: core.WatchEventBookmark,
}

// stream adapts a watch.Interface to core.Stream. A goroutine
// translates events until the source closes or Stop is called.
type stream struct {
	source watch.Interface
	events chan core.WatchEvent
	done   chan struct{}
	once   sync.Once

	// err is written before events is closed.
	err error
}

func newStream(source watch.Interface) *stream {
	s := &stream{
		source: source,
		events: make(chan core.WatchEvent),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

var _ core.Stream = (*stream)(nil)

func (s *stream) ResultChan() <-chan core.WatchEvent { return s.events }

func (s *stream) Err() error { return s.err }

func (s *stream) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.source.Stop()
	})
}

func (s *stream) run() {
	defer close(s.events)

	in := s.source.ResultChan()
	for {
		var (
			ev watch.Event
			ok bool
		)
		select {
		case <-s.done:
			return
		case ev, ok = <-in:
			if !ok {
				return
			}
		}

		out, err := translate(ev)
		if err != nil {
			s.err = err
			s.source.Stop()
			return
		}

		select {
		case <-s.done:
			return
		case s.events <- out:
		}
	}
}

// translate converts one apimachinery event. ERROR events become
// domain ERROR events carrying the classified status; a payload that
// is not an unstructured object ends the stream with the returned
// *core.StreamError.
func translate(ev watch.Event) (core.WatchEvent, error) {
	if ev.Type == watch.Error {
		return core.WatchEvent{
			Type: core.WatchEventError,
			Err:  wrapStreamError(apierrors.FromObject(ev.Object)),
		}, nil
	}

	typ, ok := eventTypes[ev.Type]
	if !ok {
		return core.WatchEvent{}, &core.StreamError{Err: fmt.Errorf("unknown watch event type %q", ev.Type)}
	}
	obj, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		return core.WatchEvent{}, &core.StreamError{Err: fmt.Errorf("unexpected %s payload %T", ev.Type, ev.Object)}
	}
	return core.WatchEvent{
		Type:            typ,
		Object:          obj,
		ResourceVersion: obj.GetResourceVersion(),
	}, nil
}
