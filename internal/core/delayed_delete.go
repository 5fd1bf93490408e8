package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"
)

// DefaultDeleteGracePeriod is the grace period used when none is
// configured.
const DefaultDeleteGracePeriod = 5 * time.Second

// pendingDelete is one queued deletion.
type pendingDelete struct {
	key      string
	obj      *unstructured.Unstructured
	deadline time.Time
	seq      uint64
}

// DelayedDelete is a Write decorator that holds deletions for a fixed
// grace period before forwarding them to the wrapped sink. A delete
// racing with a re-add of the same key therefore never becomes visible.
//
// The grace period is constant, so deadlines are non-decreasing in
// insertion order and the queue is only ever appended to and popped
// from the front.
//
// A later Add or Update of a key cancels its pending delete. The latest
// pending sequence number is tracked per key and queue entries that are
// no longer the latest for their key are discarded when they come due.
//
// DelayedDelete is not safe for concurrent use, with the exception of
// Len. The reflector owns it.
type DelayedDelete struct {
	inner    Write
	delayFor time.Duration
	clock    clock.PassiveClock
	log      *slog.Logger

	queue   []pendingDelete
	latest  map[string]uint64
	seq     uint64
	pending atomic.Int64
}

// DelayedDeleteOption configures a DelayedDelete.
type DelayedDeleteOption func(*DelayedDelete)

// WithDelayedDeleteClock overrides the clock used to compute deadlines.
func WithDelayedDeleteClock(clk clock.PassiveClock) DelayedDeleteOption {
	return func(d *DelayedDelete) { d.clock = clk }
}

// WithDelayedDeleteLogger configures a structured logger.
func WithDelayedDeleteLogger(log *slog.Logger) DelayedDeleteOption {
	return func(d *DelayedDelete) { d.log = log }
}

// NewDelayedDelete wraps inner so that deletions are applied delayFor
// after they were received.
func NewDelayedDelete(inner Write, delayFor time.Duration, opts ...DelayedDeleteOption) *DelayedDelete {
	d := &DelayedDelete{
		inner:    inner,
		delayFor: delayFor,
		latest:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.RealClock{}
	}
	if d.log == nil {
		d.log = slog.Default().With("component", "delayed-delete")
	}
	return d
}

var (
	_ Write          = (*DelayedDelete)(nil)
	_ ResyncFinisher = (*DelayedDelete)(nil)
	_ Maintainer     = (*DelayedDelete)(nil)
)

// ScheduleDelete queues obj for deletion once the grace period elapses.
func (d *DelayedDelete) ScheduleDelete(obj *unstructured.Unstructured) {
	d.seq++
	key := ObjectKey(obj)
	d.queue = append(d.queue, pendingDelete{
		key:      key,
		obj:      obj,
		deadline: d.clock.Now().Add(d.delayFor),
		seq:      d.seq,
	})
	d.latest[key] = d.seq
	d.pending.Store(int64(len(d.latest)))
}

// Perform forwards every queued deletion whose deadline has passed.
func (d *DelayedDelete) Perform(ctx context.Context) {
	d.flush(ctx, d.clock.Now())
}

// NextDeadline returns the deadline at the front of the queue.
func (d *DelayedDelete) NextDeadline() (time.Time, bool) {
	if len(d.queue) == 0 {
		return time.Time{}, false
	}
	return d.queue[0].deadline, true
}

// Len returns the number of keys with a live pending deletion. Entries
// superseded by a re-add are not counted. Safe for concurrent use.
func (d *DelayedDelete) Len() int {
	return int(d.pending.Load())
}

func (d *DelayedDelete) Add(ctx context.Context, obj *unstructured.Unstructured) {
	d.cancel(ObjectKey(obj))
	d.inner.Add(ctx, obj)
}

func (d *DelayedDelete) Update(ctx context.Context, obj *unstructured.Unstructured) {
	d.cancel(ObjectKey(obj))
	d.inner.Update(ctx, obj)
}

func (d *DelayedDelete) Delete(_ context.Context, obj *unstructured.Unstructured) {
	d.ScheduleDelete(obj)
}

// Resync drops every queued deletion before forwarding: the collection
// is about to be rebuilt from an authoritative list.
func (d *DelayedDelete) Resync(ctx context.Context) {
	if n := len(d.queue); n > 0 {
		d.log.Debug("resync discards pending deletes", "count", n)
	}
	clear(d.queue)
	d.queue = d.queue[:0]
	clear(d.latest)
	d.pending.Store(0)
	d.inner.Resync(ctx)
}

func (d *DelayedDelete) FinishResync(ctx context.Context) {
	finishResync(ctx, d.inner)
}

// Maintenance returns a task due at the front deadline that flushes
// every due deletion, combined with the wrapped sink's own work.
func (d *DelayedDelete) Maintenance() Maintenance {
	var own Maintenance
	if deadline, ok := d.NextDeadline(); ok {
		own = NewTask(deadline, d.flush)
	}
	return CombineMaintenance(maintenanceOf(d.inner), own)
}

func (d *DelayedDelete) flush(ctx context.Context, now time.Time) {
	n := 0
	for n < len(d.queue) && !d.queue[n].deadline.After(now) {
		entry := d.queue[n]
		d.queue[n] = pendingDelete{}
		n++

		if d.latest[entry.key] != entry.seq {
			continue
		}
		delete(d.latest, entry.key)
		d.inner.Delete(ctx, entry.obj)
	}
	if n == 0 {
		return
	}
	d.queue = d.queue[n:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	d.pending.Store(int64(len(d.latest)))
}

// cancel drops the pending delete of key, if any.
func (d *DelayedDelete) cancel(key string) {
	if _, ok := d.latest[key]; ok {
		delete(d.latest, key)
		d.pending.Store(int64(len(d.latest)))
		d.log.Debug("re-add cancels pending delete", "key", key)
	}
}
