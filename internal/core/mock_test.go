package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

func newPod(namespace, name, resourceVersion string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
	}}
	obj.SetResourceVersion(resourceVersion)
	return obj
}

func podList(resourceVersion string, pods ...*unstructured.Unstructured) *unstructured.UnstructuredList {
	list := &unstructured.UnstructuredList{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "PodList",
	}}
	list.SetResourceVersion(resourceVersion)
	for _, p := range pods {
		list.Items = append(list.Items, *p)
	}
	return list
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Scripted stream
// ---------------------------------------------------------------------------

// scriptedStream is a Stream fed by the test.
type scriptedStream struct {
	ch      chan WatchEvent
	err     error
	stopped chan struct{}
	once    sync.Once
}

func newScriptedStream(events ...WatchEvent) *scriptedStream {
	s := &scriptedStream{
		ch:      make(chan WatchEvent, 64),
		stopped: make(chan struct{}),
	}
	for _, ev := range events {
		s.ch <- ev
	}
	return s
}

// finishedStream returns a stream that delivers events and then ends
// with err.
func finishedStream(err error, events ...WatchEvent) *scriptedStream {
	s := newScriptedStream(events...)
	s.end(err)
	return s
}

func (s *scriptedStream) send(ev WatchEvent) { s.ch <- ev }

func (s *scriptedStream) end(err error) {
	s.err = err
	close(s.ch)
}

func (s *scriptedStream) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *scriptedStream) ResultChan() <-chan WatchEvent { return s.ch }
func (s *scriptedStream) Err() error                    { return s.err }
func (s *scriptedStream) Stop()                         { s.once.Do(func() { close(s.stopped) }) }

func added(obj *unstructured.Unstructured) WatchEvent {
	return WatchEvent{Type: WatchEventAdded, Object: obj, ResourceVersion: obj.GetResourceVersion()}
}

func modified(obj *unstructured.Unstructured) WatchEvent {
	return WatchEvent{Type: WatchEventModified, Object: obj, ResourceVersion: obj.GetResourceVersion()}
}

func deleted(obj *unstructured.Unstructured) WatchEvent {
	return WatchEvent{Type: WatchEventDeleted, Object: obj, ResourceVersion: obj.GetResourceVersion()}
}

func bookmark(resourceVersion string) WatchEvent {
	obj := &unstructured.Unstructured{Object: map[string]any{"apiVersion": "v1", "kind": "Pod"}}
	obj.SetResourceVersion(resourceVersion)
	return WatchEvent{Type: WatchEventBookmark, Object: obj, ResourceVersion: resourceVersion}
}

// initialEventsEnd is the bookmark closing the initial events of a
// watch-list stream.
func initialEventsEnd(resourceVersion string) WatchEvent {
	ev := bookmark(resourceVersion)
	ev.Object.SetAnnotations(map[string]string{InitialEventsEndAnnotation: "true"})
	return ev
}

// ---------------------------------------------------------------------------
// Scripted list-watcher
// ---------------------------------------------------------------------------

// invocation is one scripted answer to Watch.
type invocation struct {
	stream *scriptedStream
	err    error
}

var errGone = errors.New("too old resource version")

// scriptedListWatcher answers Watch and List from queues of scripted
// responses. When the watch script runs out it repeats the fallback
// answer, or blocks until ctx ends when there is none.
type scriptedListWatcher struct {
	mu          sync.Mutex
	invocations []invocation
	fallback    *invocation
	lists       []*unstructured.UnstructuredList
	watchCalls  []WatchOptions
	listCalls   int
}

func (w *scriptedListWatcher) Watch(ctx context.Context, opts WatchOptions) (Stream, error) {
	w.mu.Lock()
	w.watchCalls = append(w.watchCalls, opts)

	var next *invocation
	if len(w.invocations) > 0 {
		next = &w.invocations[0]
		w.invocations = w.invocations[1:]
	} else {
		next = w.fallback
	}
	w.mu.Unlock()

	if next == nil {
		<-ctx.Done()
		return nil, NewInvocationError(ctx.Err())
	}
	if next.err != nil {
		return nil, next.err
	}
	return next.stream, nil
}

func (w *scriptedListWatcher) List(_ context.Context, _ ListOptions) (*unstructured.UnstructuredList, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listCalls++

	switch len(w.lists) {
	case 0:
		return podList(""), nil
	case 1:
		return w.lists[0], nil
	}
	list := w.lists[0]
	w.lists = w.lists[1:]
	return list, nil
}

func (w *scriptedListWatcher) calls() []WatchOptions {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WatchOptions(nil), w.watchCalls...)
}

func (w *scriptedListWatcher) listCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listCalls
}

// ---------------------------------------------------------------------------
// Recording writer
// ---------------------------------------------------------------------------

type opKind string

const (
	opAdd          opKind = "add"
	opUpdate       opKind = "update"
	opDelete       opKind = "delete"
	opResync       opKind = "resync"
	opFinishResync opKind = "finish-resync"
)

type op struct {
	kind opKind
	key  string
}

// recordingWriter is a correct in-memory sink that records every call
// it receives. Safe for concurrent inspection by the test.
type recordingWriter struct {
	mu      sync.Mutex
	ops     []op
	objects map[string]*unstructured.Unstructured
	stale   map[string]struct{}
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{objects: make(map[string]*unstructured.Unstructured)}
}

var (
	_ Write          = (*recordingWriter)(nil)
	_ ResyncFinisher = (*recordingWriter)(nil)
)

func (w *recordingWriter) Add(_ context.Context, obj *unstructured.Unstructured) {
	w.put(opAdd, obj)
}

func (w *recordingWriter) Update(_ context.Context, obj *unstructured.Unstructured) {
	w.put(opUpdate, obj)
}

func (w *recordingWriter) Delete(_ context.Context, obj *unstructured.Unstructured) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ObjectKey(obj)
	w.ops = append(w.ops, op{kind: opDelete, key: key})
	delete(w.objects, key)
}

func (w *recordingWriter) Resync(_ context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = append(w.ops, op{kind: opResync})
	w.stale = make(map[string]struct{}, len(w.objects))
	for key := range w.objects {
		w.stale[key] = struct{}{}
	}
}

func (w *recordingWriter) FinishResync(_ context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = append(w.ops, op{kind: opFinishResync})
	for key := range w.stale {
		delete(w.objects, key)
	}
	w.stale = nil
}

func (w *recordingWriter) put(kind opKind, obj *unstructured.Unstructured) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ObjectKey(obj)
	w.ops = append(w.ops, op{kind: kind, key: key})
	w.objects[key] = obj
	delete(w.stale, key)
}

func (w *recordingWriter) get(key string) (*unstructured.Unstructured, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	obj, ok := w.objects[key]
	return obj, ok
}

func (w *recordingWriter) has(key string) bool {
	_, ok := w.get(key)
	return ok
}

func (w *recordingWriter) keys() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make(map[string]struct{}, len(w.objects))
	for key := range w.objects {
		keys[key] = struct{}{}
	}
	return keys
}

func (w *recordingWriter) recorded() []op {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]op(nil), w.ops...)
}

func (w *recordingWriter) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = nil
}
