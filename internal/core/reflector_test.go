package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	clocktesting "k8s.io/utils/clock/testing"
)

func testReflectorConfig() ReflectorConfig {
	return ReflectorConfig{
		Resource:    "pods",
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReflector(cfg ReflectorConfig, lw ListWatcher, w Write, clk *clocktesting.FakeClock) *Reflector {
	return NewReflector(cfg, lw, w, WithReflectorClock(clk), WithReflectorLogger(discardLogger()))
}

// runningReflector is a Reflector running on its own goroutine.
type runningReflector struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func start(t *testing.T, r *Reflector) *runningReflector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rr := &runningReflector{cancel: cancel, done: make(chan struct{})}
	go func() {
		rr.err = r.Run(ctx)
		close(rr.done)
	}()
	t.Cleanup(func() { rr.stop(t) })
	return rr
}

// stop cancels the reflector and waits for Run to return.
func (rr *runningReflector) stop(t *testing.T) error {
	t.Helper()
	rr.cancel()
	return rr.wait(t)
}

func (rr *runningReflector) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-rr.done:
		return rr.err
	case <-time.After(5 * time.Second):
		t.Fatal("reflector did not return")
		return nil
	}
}

// pumpUntil advances clk past any pending timer until cond holds.
func pumpUntil(t *testing.T, clk *clocktesting.FakeClock, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		if clk.HasWaiters() {
			clk.Step(time.Second)
		}
		time.Sleep(time.Millisecond)
	}
}

func opKinds(ops []op) []opKind {
	kinds := make([]opKind, len(ops))
	for i, o := range ops {
		kinds[i] = o.kind
	}
	return kinds
}

func equalOps(got, want []op) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestReflector_AppliesEventsInOrder(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	web, db := newPod("default", "web", "1"), newPod("default", "db", "2")

	lw := &scriptedListWatcher{invocations: []invocation{{
		stream: newScriptedStream(
			added(web),
			added(db),
			modified(newPod("default", "web", "3")),
			deleted(newPod("default", "db", "4")),
		),
	}}}
	r := newTestReflector(testReflectorConfig(), lw, w, clk)
	start(t, r)

	eventually(t, "four ops", func() bool { return len(w.recorded()) == 4 })

	want := []op{
		{kind: opAdd, key: "default/web"},
		{kind: opAdd, key: "default/db"},
		{kind: opUpdate, key: "default/web"},
		{kind: opDelete, key: "default/db"},
	}
	if got := w.recorded(); !equalOps(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	eventually(t, "resource version", func() bool { return r.Status().ResourceVersion == "4" })

	status := r.Status()
	if status.State != StateStreaming {
		t.Errorf("State = %q, want %q", status.State, StateStreaming)
	}
	if status.Synced {
		t.Error("Synced before any bookmark or resync")
	}
	if got := lw.listCount(); got != 0 {
		t.Errorf("List called %d times, want 0", got)
	}
	if calls := lw.calls(); calls[0].ResourceVersion != "" || !calls[0].AllowBookmarks {
		t.Errorf("first invocation = %+v, want empty resource version with bookmarks", calls[0])
	}
}

func TestReflector_ResumesFromLastResourceVersion(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "clean close"},
		{name: "stream error", err: &StreamError{Err: errors.New("unexpected EOF")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clocktesting.NewFakeClock(epoch)
			w := newRecordingWriter()
			lw := &scriptedListWatcher{invocations: []invocation{
				{stream: finishedStream(tt.err, added(newPod("default", "web", "5")))},
				{stream: newScriptedStream()},
			}}
			r := newTestReflector(testReflectorConfig(), lw, w, clk)
			start(t, r)

			eventually(t, "second invocation", func() bool { return len(lw.calls()) >= 2 })

			if got := lw.calls()[1].ResourceVersion; got != "5" {
				t.Errorf("resumed from %q, want %q", got, "5")
			}
			if got := lw.listCount(); got != 0 {
				t.Errorf("List called %d times, want 0", got)
			}
			eventually(t, "synced", r.HasSynced)
		})
	}
}

func TestReflector_DesyncForcesResync(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	w.Add(context.Background(), newPod("default", "stale", "1"))
	w.reset()

	lw := &scriptedListWatcher{
		invocations: []invocation{
			{err: NewDesyncError(errGone)},
			{stream: newScriptedStream()},
		},
		lists: []*unstructured.UnstructuredList{
			podList("10", newPod("default", "web", "8"), newPod("default", "db", "9")),
		},
	}
	r := newTestReflector(testReflectorConfig(), lw, w, clk)
	start(t, r)

	eventually(t, "watch after resync", func() bool { return len(lw.calls()) >= 2 })

	want := []op{
		{kind: opResync},
		{kind: opAdd, key: "default/web"},
		{kind: opAdd, key: "default/db"},
		{kind: opFinishResync},
	}
	if got := w.recorded(); !equalOps(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if w.has("default/stale") {
		t.Error("stale key survived the resync")
	}
	if got := lw.calls()[1].ResourceVersion; got != "10" {
		t.Errorf("invocation after resync used %q, want %q", got, "10")
	}

	status := r.Status()
	if !status.Synced {
		t.Error("not synced after resync")
	}
	if !status.LastResync.Equal(epoch) {
		t.Errorf("LastResync = %v, want %v", status.LastResync, epoch)
	}
	if status.ResourceVersion != "10" {
		t.Errorf("ResourceVersion = %q, want %q", status.ResourceVersion, "10")
	}
}

func TestReflector_RepeatedDesyncBacksOff(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	lw := &scriptedListWatcher{
		fallback: &invocation{err: NewDesyncError(errGone)},
		lists:    []*unstructured.UnstructuredList{podList("10", newPod("default", "web", "1"))},
	}
	r := newTestReflector(testReflectorConfig(), lw, w, clk)
	start(t, r)

	eventually(t, "first resync", func() bool { return lw.listCount() >= 1 })
	pumpUntil(t, clk, "third resync", func() bool { return lw.listCount() >= 3 })

	for _, o := range w.recorded() {
		if o.kind == opDelete {
			t.Fatalf("resync issued a delete: %+v", o)
		}
	}
	for i, kind := range opKinds(w.recorded()) {
		want := []opKind{opResync, opAdd, opFinishResync}[i%3]
		if kind != want {
			t.Fatalf("op %d = %q, want %q", i, kind, want)
		}
	}
}

func TestReflector_OtherErrorsRetryWithBackoff(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	web := newPod("default", "web", "1")
	lw := &scriptedListWatcher{invocations: []invocation{
		{err: NewInvocationError(errors.New("connection refused"))},
		{err: errors.New("no route to host")},
		{stream: newScriptedStream(added(web))},
	}}
	r := newTestReflector(testReflectorConfig(), lw, w, clk)
	start(t, r)

	pumpUntil(t, clk, "object applied", func() bool { return w.has("default/web") })

	if got := len(lw.calls()); got != 3 {
		t.Errorf("Watch called %d times, want 3", got)
	}
	if got := lw.listCount(); got != 0 {
		t.Errorf("List called %d times, want 0", got)
	}
	eventually(t, "error cleared", func() bool { return r.Status().LastError == "" })
}

func TestReflector_ErrorEvents(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantResync bool
		wantRV     string
	}{
		{
			name:       "desync",
			err:        NewDesyncError(errGone),
			wantResync: true,
			wantRV:     "20",
		},
		{
			name:   "other",
			err:    &StreamError{Err: errors.New("internal error")},
			wantRV: "3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clocktesting.NewFakeClock(epoch)
			w := newRecordingWriter()
			lw := &scriptedListWatcher{
				invocations: []invocation{
					{stream: newScriptedStream(
						added(newPod("default", "web", "3")),
						WatchEvent{Type: WatchEventError, Err: tt.err},
					)},
					{stream: newScriptedStream()},
				},
				lists: []*unstructured.UnstructuredList{podList("20", newPod("default", "db", "19"))},
			}
			r := newTestReflector(testReflectorConfig(), lw, w, clk)
			start(t, r)

			eventually(t, "second invocation", func() bool { return len(lw.calls()) >= 2 })

			if got := lw.calls()[1].ResourceVersion; got != tt.wantRV {
				t.Errorf("second invocation used %q, want %q", got, tt.wantRV)
			}
			if resynced := lw.listCount() > 0; resynced != tt.wantResync {
				t.Errorf("resynced = %v, want %v", resynced, tt.wantResync)
			}
			if tt.wantResync {
				if w.has("default/web") || !w.has("default/db") {
					t.Errorf("mirror = %v, want only default/db", w.keys())
				}
			} else if !w.has("default/web") {
				t.Error("object lost without a resync")
			}
		})
	}
}

func TestReflector_EventWithoutObjectRestartsWatch(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	first := newScriptedStream(added(newPod("default", "web", "7")), WatchEvent{Type: WatchEventModified})
	lw := &scriptedListWatcher{invocations: []invocation{
		{stream: first},
		{stream: newScriptedStream()},
	}}
	r := newTestReflector(testReflectorConfig(), lw, w, clk)
	start(t, r)

	eventually(t, "second invocation", func() bool { return len(lw.calls()) >= 2 })
	if got := lw.calls()[1].ResourceVersion; got != "7" {
		t.Errorf("resumed from %q, want %q", got, "7")
	}
	if !first.isStopped() {
		t.Error("abandoned stream was not stopped")
	}
}

func TestReflector_InvalidOptionsAreFatal(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*ReflectorConfig)
		lw   *scriptedListWatcher
	}{
		{
			name: "label selector",
			cfg:  func(c *ReflectorConfig) { c.LabelSelector = "app in (web" },
			lw:   &scriptedListWatcher{},
		},
		{
			name: "negative timeout",
			cfg:  func(c *ReflectorConfig) { c.WatchTimeout = -time.Second },
			lw:   &scriptedListWatcher{},
		},
		{
			name: "rejected by server",
			cfg:  func(*ReflectorConfig) {},
			lw: &scriptedListWatcher{invocations: []invocation{
				{err: &ErrInvalidOptions{Field: "fieldSelector", Message: "unsupported field"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testReflectorConfig()
			tt.cfg(&cfg)
			r := newTestReflector(cfg, tt.lw, newRecordingWriter(), clocktesting.NewFakeClock(epoch))

			rr := start(t, r)
			err := rr.wait(t)

			var invalid *ErrInvalidOptions
			if !errors.As(err, &invalid) {
				t.Fatalf("Run() error = %v, want *ErrInvalidOptions", err)
			}
			status := r.Status()
			if status.State != StateStopped {
				t.Errorf("State = %q, want %q", status.State, StateStopped)
			}
			if status.LastError == "" {
				t.Error("LastError not recorded")
			}
		})
	}
}

func TestReflector_InitialList(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	lw := &scriptedListWatcher{
		invocations: []invocation{{stream: newScriptedStream()}},
		lists:       []*unstructured.UnstructuredList{podList("7", newPod("default", "web", "6"))},
	}
	cfg := testReflectorConfig()
	cfg.InitialList = true
	r := newTestReflector(cfg, lw, w, clk)
	start(t, r)

	eventually(t, "first invocation", func() bool { return len(lw.calls()) >= 1 })

	if got := lw.listCount(); got != 1 {
		t.Fatalf("List called %d times, want 1", got)
	}
	if got := lw.calls()[0].ResourceVersion; got != "7" {
		t.Errorf("first invocation used %q, want %q", got, "7")
	}
	if !r.HasSynced() {
		t.Error("not synced after the initial list")
	}
	if kinds := opKinds(w.recorded()); len(kinds) == 0 || kinds[0] != opResync {
		t.Errorf("ops = %v, want resync first", kinds)
	}
}

func TestReflector_WatchListAndBookmarks(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	w.Add(context.Background(), newPod("default", "stale", "1"))
	w.reset()

	stream := newScriptedStream(added(newPod("default", "web", "8")))
	lw := &scriptedListWatcher{invocations: []invocation{
		{stream: stream},
		{stream: newScriptedStream()},
	}}
	cfg := testReflectorConfig()
	cfg.WatchList = true
	r := newTestReflector(cfg, lw, w, clk)
	start(t, r)

	eventually(t, "initial event", func() bool { return w.has("default/web") })
	stream.send(bookmark("8"))
	time.Sleep(10 * time.Millisecond)
	if r.HasSynced() {
		t.Fatal("synced before the initial events ended")
	}
	if !w.has("default/stale") {
		t.Fatal("stale key dropped before the initial events ended")
	}

	stream.send(initialEventsEnd("9"))
	eventually(t, "initial events end", r.HasSynced)
	stream.send(bookmark("12"))
	eventually(t, "later bookmark", func() bool { return r.Status().ResourceVersion == "12" })
	stream.end(nil)

	eventually(t, "second invocation", func() bool { return len(lw.calls()) >= 2 })
	calls := lw.calls()
	if !calls[0].SendInitialEvents || calls[0].ResourceVersion != "" {
		t.Errorf("first invocation = %+v, want a watch-list request", calls[0])
	}
	if calls[1].SendInitialEvents || calls[1].ResourceVersion != "12" {
		t.Errorf("second invocation = %+v, want a resume from the last bookmark", calls[1])
	}

	want := []op{
		{kind: opResync},
		{kind: opAdd, key: "default/web"},
		{kind: opFinishResync},
	}
	if got := w.recorded(); !equalOps(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if w.has("default/stale") {
		t.Error("stale key survived the initial events")
	}
	if got := lw.listCount(); got != 0 {
		t.Errorf("List called %d times, want 0", got)
	}
}

func TestReflector_WatchListInterruptedBeforeInitialEventsEnd(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "clean close"},
		{name: "stream error", err: &StreamError{Err: errors.New("unexpected EOF")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clocktesting.NewFakeClock(epoch)
			w := newRecordingWriter()
			w.Add(context.Background(), newPod("default", "stale", "1"))
			w.reset()

			second := newScriptedStream(added(newPod("default", "db", "5")))
			lw := &scriptedListWatcher{invocations: []invocation{
				{stream: finishedStream(tt.err, added(newPod("default", "web", "8")))},
				{stream: second},
				{stream: newScriptedStream()},
			}}
			cfg := testReflectorConfig()
			cfg.WatchList = true
			r := newTestReflector(cfg, lw, w, clk)
			start(t, r)

			eventually(t, "restarted watch-list", func() bool { return w.has("default/db") })

			calls := lw.calls()
			if !calls[1].SendInitialEvents || calls[1].ResourceVersion != "" {
				t.Errorf("invocation after interruption = %+v, want a fresh watch-list request", calls[1])
			}
			status := r.Status()
			if status.Synced {
				t.Error("synced by an interrupted watch-list stream")
			}
			if status.ResourceVersion != "" {
				t.Errorf("ResourceVersion = %q from an initial event, want none", status.ResourceVersion)
			}

			second.send(initialEventsEnd("10"))
			eventually(t, "initial events end", r.HasSynced)
			second.end(nil)
			eventually(t, "resume", func() bool { return len(lw.calls()) >= 3 })

			if got := lw.calls()[2]; got.SendInitialEvents || got.ResourceVersion != "10" {
				t.Errorf("third invocation = %+v, want a resume from the closing bookmark", got)
			}
			want := []op{
				{kind: opResync},
				{kind: opAdd, key: "default/web"},
				{kind: opResync},
				{kind: opAdd, key: "default/db"},
				{kind: opFinishResync},
			}
			if got := w.recorded(); !equalOps(got, want) {
				t.Fatalf("ops = %v, want %v", got, want)
			}
			if w.has("default/stale") || w.has("default/web") {
				t.Errorf("mirror = %v, want only default/db", w.keys())
			}
		})
	}
}

func TestReflector_DelayedDeleteEndToEnd(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	dd := NewDelayedDelete(w, 5*time.Second, WithDelayedDeleteClock(clk), WithDelayedDeleteLogger(discardLogger()))

	stream := newScriptedStream(added(newPod("default", "web", "1")))
	lw := &scriptedListWatcher{invocations: []invocation{{stream: stream}}}
	r := newTestReflector(testReflectorConfig(), lw, dd, clk)
	start(t, r)

	eventually(t, "add", func() bool { return w.has("default/web") })

	clk.Step(time.Second)
	stream.send(deleted(newPod("default", "web", "2")))
	eventually(t, "delete queued", func() bool { return dd.Len() == 1 && clk.HasWaiters() })

	clk.Step(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if !w.has("default/web") {
		t.Fatal("delete applied before the grace period elapsed")
	}

	clk.Step(3 * time.Second)
	eventually(t, "delete applied", func() bool { return !w.has("default/web") })
	eventually(t, "queue drained", func() bool { return dd.Len() == 0 })
}

func TestReflector_ReAddDuringGracePeriod(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	dd := NewDelayedDelete(w, 5*time.Second, WithDelayedDeleteClock(clk), WithDelayedDeleteLogger(discardLogger()))

	stream := newScriptedStream(
		added(newPod("default", "web", "1")),
		deleted(newPod("default", "web", "2")),
		added(newPod("default", "web", "3")),
	)
	lw := &scriptedListWatcher{invocations: []invocation{{stream: stream}}}
	r := newTestReflector(testReflectorConfig(), lw, dd, clk)
	start(t, r)

	eventually(t, "events applied", func() bool { return r.Status().ResourceVersion == "3" })
	eventually(t, "maintenance timer", clk.HasWaiters)
	clk.Step(10 * time.Second)
	eventually(t, "stale delete discarded", func() bool { return dd.Len() == 0 })

	obj, ok := w.get("default/web")
	if !ok {
		t.Fatal("re-added object was deleted")
	}
	if rv := obj.GetResourceVersion(); rv != "3" {
		t.Errorf("resourceVersion = %q, want %q", rv, "3")
	}
}

func TestReflector_CancelReturnsPromptly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clk := clocktesting.NewFakeClock(epoch)
	w := newRecordingWriter()
	dd := NewDelayedDelete(w, time.Hour, WithDelayedDeleteClock(clk), WithDelayedDeleteLogger(discardLogger()))
	stream := newScriptedStream(
		added(newPod("default", "web", "1")),
		deleted(newPod("default", "web", "2")),
	)
	lw := &scriptedListWatcher{invocations: []invocation{{stream: stream}}}
	r := newTestReflector(testReflectorConfig(), lw, dd, clk)

	rr := start(t, r)
	eventually(t, "delete queued", func() bool { return dd.Len() == 1 })

	if err := rr.stop(t); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if !stream.isStopped() {
		t.Error("stream not stopped on cancellation")
	}
	if got := r.Status().State; got != StateStopped {
		t.Errorf("State = %q, want %q", got, StateStopped)
	}
	if !w.has("default/web") {
		t.Error("pending delete was flushed on cancellation")
	}
}
