package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ReflectorState is a state of the reflector loop.
type ReflectorState string

const (
	StateInvoking  ReflectorState = "Invoking"
	StateStreaming ReflectorState = "Streaming"
	StateResyncing ReflectorState = "Resyncing"
	StateStopped   ReflectorState = "Stopped"
)

// ReflectorStatus is a point-in-time snapshot of a reflector.
type ReflectorStatus struct {
	State           ReflectorState
	ResourceVersion string
	Synced          bool
	LastResync      time.Time
	LastError       string
}

// ReflectorConfig holds the parameters of a Reflector.
type ReflectorConfig struct {
	// Resource names the collection in logs, metrics and lookups.
	Resource      string
	LabelSelector string
	FieldSelector string
	// WatchTimeout is passed to the server as a timeout hint.
	WatchTimeout time.Duration
	// WatchList requests a watch-list stream on invocations without a
	// resource version.
	WatchList bool
	// InitialList starts the loop with a full list instead of a watch
	// from "now", so the mirror is complete before the first event.
	InitialList bool
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// InitialEventsEndAnnotation marks the bookmark that closes the initial
// events of a watch-list stream.
const InitialEventsEndAnnotation = "k8s.io/initial-events-end"

// ReflectorOption configures a Reflector.
type ReflectorOption func(*Reflector)

// WithReflectorClock overrides the clock used for backoff and
// maintenance timers.
func WithReflectorClock(clk clock.Clock) ReflectorOption {
	return func(r *Reflector) { r.clock = clk }
}

// WithReflectorLogger configures a structured logger.
func WithReflectorLogger(log *slog.Logger) ReflectorOption {
	return func(r *Reflector) { r.log = log }
}

// Reflector keeps a Write sink in step with a remote collection. It
// invokes a watch, applies the streamed events to the sink one by one,
// falls back to a full list and replace when the server reports that
// the resume point is gone, and services the sink's maintenance work
// in between.
//
// All sink calls happen on the goroutine running Run.
type Reflector struct {
	cfg     ReflectorConfig
	source  ListWatcher
	write   Write
	clock   clock.Clock
	log     *slog.Logger
	backoff *backoff
	metrics *reflectorMetrics

	// lastRV and initialEvents are owned by the Run goroutine.
	// initialEvents is set while a watch-list stream has not yet
	// delivered its closing bookmark.
	lastRV        string
	initialEvents bool

	mu     sync.RWMutex
	status ReflectorStatus
}

// NewReflector returns a Reflector that mirrors source into write.
func NewReflector(cfg ReflectorConfig, source ListWatcher, write Write, opts ...ReflectorOption) *Reflector {
	r := &Reflector{
		cfg:     cfg,
		source:  source,
		write:   write,
		backoff: newBackoff(cfg.BackoffBase, cfg.BackoffMax),
		metrics: newReflectorMetrics(cfg.Resource),
		status:  ReflectorStatus{State: StateInvoking},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	if r.log == nil {
		r.log = slog.Default().With("component", "reflector")
	}
	r.log = r.log.With("resource", cfg.Resource)
	return r
}

// Status returns a snapshot of the reflector. Safe for concurrent use.
func (r *Reflector) Status() ReflectorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// HasSynced reports whether the mirror has been populated at least
// once: by a full resync, by the bookmark closing a watch-list stream,
// or by a watch resumed from a known resource version.
func (r *Reflector) HasSynced() bool {
	return r.Status().Synced
}

// Run drives the reflector until ctx is cancelled, in which case it
// returns nil. The only other way out is a configuration error, which
// is returned as an *ErrInvalidOptions.
//
// Deletions still held by a sink decorator when ctx ends are dropped
// together with the reflector.
func (r *Reflector) Run(ctx context.Context) error {
	r.log.Info("starting")
	defer r.setState(StateStopped)

	state, prev := StateInvoking, StateInvoking
	if r.cfg.InitialList {
		state = StateResyncing
	}
	for {
		if ctx.Err() != nil {
			r.log.Info("stopped")
			return nil
		}
		r.setState(state)

		var (
			next ReflectorState
			err  error
		)
		switch state {
		case StateInvoking:
			next, err = r.invoke(ctx, prev)
		case StateResyncing:
			next = r.resync(ctx)
		default:
			return fmt.Errorf("reflector reached unexpected state %q", state)
		}
		if err != nil {
			r.setError(err)
			r.log.Error("stopping on configuration error", "error", err)
			return err
		}
		prev, state = state, next
	}
}

// invoke establishes a watch and, on success, consumes it until it
// ends. It returns the next state.
func (r *Reflector) invoke(ctx context.Context, prev ReflectorState) (ReflectorState, error) {
	opts := WatchOptions{
		ResourceVersion: r.lastRV,
		LabelSelector:   r.cfg.LabelSelector,
		FieldSelector:   r.cfg.FieldSelector,
		Timeout:         r.cfg.WatchTimeout,
		AllowBookmarks:  true,
	}
	if r.cfg.WatchList && r.lastRV == "" {
		opts.SendInitialEvents = true
	}
	if err := opts.Validate(); err != nil {
		return StateStopped, err
	}

	stream, err := r.source.Watch(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return StateInvoking, nil
		}
		var invalid *ErrInvalidOptions
		if errors.As(err, &invalid) {
			return StateStopped, err
		}
		r.setError(err)

		kind := InvocationOther
		var ie *InvocationError
		if errors.As(err, &ie) {
			kind = ie.Kind
		}
		r.metrics.invocation(ctx, kind.String())

		switch kind {
		case InvocationDesync:
			r.log.Info("watch resume point is gone, resyncing", "resourceVersion", r.lastRV, "error", err)
			r.lastRV = ""
			if prev == StateResyncing {
				// The list we just applied is already too old.
				r.wait(ctx, r.backoff.Next())
			}
			return StateResyncing, nil
		default:
			delay := r.backoff.Next()
			r.log.Warn("watch invocation failed, retrying", "retryIn", delay, "error", err)
			r.wait(ctx, delay)
			return StateInvoking, nil
		}
	}

	r.metrics.invocation(ctx, "ok")
	r.backoff.Reset()
	r.clearError()
	r.initialEvents = opts.SendInitialEvents
	switch {
	case opts.SendInitialEvents:
		// The initial events replace the collection; keys they do not
		// mention are dropped at the closing bookmark.
		r.write.Resync(ctx)
	case opts.ResourceVersion != "":
		// Resuming from a known point means the mirror already holds
		// everything up to it.
		r.markSynced(false)
	}
	r.log.Debug("watch established", "resourceVersion", opts.ResourceVersion, "sendInitialEvents", opts.SendInitialEvents)

	r.setState(StateStreaming)
	return r.consume(ctx, stream), nil
}

// consume applies events from stream until it ends, racing each
// receive against the sink's current maintenance work.
func (r *Reflector) consume(ctx context.Context, stream Stream) ReflectorState {
	defer stream.Stop()

	events := stream.ResultChan()
	for {
		maint := maintenanceOf(r.write)
		due, stop := r.timerFor(maint)

		select {
		case <-ctx.Done():
			stop()
			return StateInvoking

		case <-due:
			maint.Perform(ctx, r.clock.Now())

		case ev, ok := <-events:
			stop()
			if !ok {
				if err := stream.Err(); err != nil {
					r.setError(err)
					r.log.Warn("watch stream failed, resuming", "resourceVersion", r.lastRV, "error", err)
				} else {
					r.log.Debug("watch stream closed, resuming", "resourceVersion", r.lastRV)
				}
				return StateInvoking
			}
			if next, done := r.apply(ctx, ev); done {
				return next
			}
		}
	}
}

// apply translates one event into a sink call. It reports whether the
// stream must be abandoned and which state to go to.
func (r *Reflector) apply(ctx context.Context, ev WatchEvent) (ReflectorState, bool) {
	r.metrics.event(ctx, ev.Type)

	switch ev.Type {
	case WatchEventAdded, WatchEventModified, WatchEventDeleted:
		if ev.Object == nil {
			r.log.Warn("watch event without object", "type", ev.Type)
			return StateInvoking, true
		}
		r.log.Debug("applying event", "type", ev.Type, "key", ObjectKey(ev.Object))
		switch ev.Type {
		case WatchEventAdded:
			r.write.Add(ctx, ev.Object)
		case WatchEventModified:
			r.write.Update(ctx, ev.Object)
		case WatchEventDeleted:
			r.write.Delete(ctx, ev.Object)
		}
		// Initial events arrive in no particular order; only the closing
		// bookmark yields a resume point.
		if !r.initialEvents {
			r.recordResourceVersion(ev)
		}

	case WatchEventBookmark:
		switch {
		case !r.initialEvents:
			r.recordResourceVersion(ev)
			r.markSynced(false)
		case endsInitialEvents(ev):
			r.finishInitialEvents(ctx, ev)
		}

	case WatchEventError:
		r.setError(ev.Err)
		if IsDesync(ev.Err) {
			r.log.Info("watch stream reports resume point is gone, resyncing", "error", ev.Err)
			r.lastRV = ""
			return StateResyncing, true
		}
		r.log.Warn("watch stream reported an error, resuming", "resourceVersion", r.lastRV, "error", ev.Err)
		return StateInvoking, true

	default:
		r.log.Warn("unknown watch event type", "type", ev.Type)
	}
	return StateStreaming, false
}

// finishInitialEvents completes the replace started by a watch-list
// invocation and records the bookmark as the resume point.
func (r *Reflector) finishInitialEvents(ctx context.Context, ev WatchEvent) {
	r.initialEvents = false
	r.metrics.resync(ctx)
	finishResync(ctx, r.write)
	r.recordResourceVersion(ev)
	r.markSynced(true)
	r.log.Info("initial events complete", "resourceVersion", r.lastRV)
}

func endsInitialEvents(ev WatchEvent) bool {
	return ev.Object != nil && ev.Object.GetAnnotations()[InitialEventsEndAnnotation] == "true"
}

// resync replaces the sink's contents with a fresh full list. It
// retries the list with backoff until it succeeds or ctx ends.
func (r *Reflector) resync(ctx context.Context) ReflectorState {
	opts := ListOptions{
		LabelSelector: r.cfg.LabelSelector,
		FieldSelector: r.cfg.FieldSelector,
	}

	for {
		list, err := r.source.List(ctx, opts)
		if err == nil {
			r.metrics.resync(ctx)
			r.write.Resync(ctx)
			for i := range list.Items {
				r.write.Add(ctx, &list.Items[i])
			}
			finishResync(ctx, r.write)

			r.lastRV = list.GetResourceVersion()
			r.markSynced(true)
			r.log.Info("resync complete", "objects", len(list.Items), "resourceVersion", r.lastRV)
			return StateInvoking
		}
		if ctx.Err() != nil {
			return StateInvoking
		}

		r.setError(err)
		delay := r.backoff.Next()
		r.log.Warn("list failed, retrying", "retryIn", delay, "error", err)
		if !r.wait(ctx, delay) {
			return StateInvoking
		}
	}
}

// wait sleeps for d while servicing maintenance. It returns false when
// ctx ended first.
func (r *Reflector) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	sleep := r.clock.NewTimer(d)
	defer sleep.Stop()

	for {
		maint := maintenanceOf(r.write)
		due, stop := r.timerFor(maint)

		select {
		case <-ctx.Done():
			stop()
			return false
		case <-sleep.C():
			stop()
			return true
		case <-due:
			maint.Perform(ctx, r.clock.Now())
		}
	}
}

// timerFor returns a channel that fires when m is due, and a function
// releasing the timer. Work that is already due fires immediately; a
// nil m never fires.
func (r *Reflector) timerFor(m Maintenance) (<-chan time.Time, func()) {
	if m == nil {
		return nil, func() {}
	}
	d := m.Deadline().Sub(r.clock.Now())
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- r.clock.Now()
		return ch, func() {}
	}
	t := r.clock.NewTimer(d)
	return t.C(), func() { t.Stop() }
}

func (r *Reflector) recordResourceVersion(ev WatchEvent) {
	rv := ev.ResourceVersion
	if rv == "" && ev.Object != nil {
		rv = ev.Object.GetResourceVersion()
	}
	if rv == "" {
		return
	}
	r.lastRV = rv

	r.mu.Lock()
	r.status.ResourceVersion = rv
	r.mu.Unlock()
}

func (r *Reflector) setState(state ReflectorState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.State != state {
		r.log.Debug("state transition", "from", r.status.State, "to", state)
	}
	r.status.State = state
}

func (r *Reflector) clearError() {
	r.mu.Lock()
	r.status.LastError = ""
	r.mu.Unlock()
}

func (r *Reflector) setError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.mu.Unlock()
}

// markSynced records that the mirror holds a complete view. A resync
// additionally stamps the resync time and resource version.
func (r *Reflector) markSynced(resynced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Synced = true
	if resynced {
		r.status.LastError = ""
		r.status.LastResync = r.clock.Now()
		r.status.ResourceVersion = r.lastRV
	}
}
