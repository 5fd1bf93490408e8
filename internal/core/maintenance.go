package core

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Maintenance is a unit of deferred background work owned by a sink
// decorator. The driving loop waits until Deadline, then calls Perform
// from its own goroutine so that sink mutations stay sequential.
type Maintenance interface {
	// Deadline is the earliest time at which some of the work is due.
	Deadline() time.Time
	// Perform runs the work that is due at now and reports whether the
	// whole unit has resolved.
	Perform(ctx context.Context, now time.Time) bool
}

// Task is a one-shot Maintenance that runs fn once its deadline has
// passed.
type Task struct {
	deadline time.Time
	fn       func(ctx context.Context, now time.Time)
	done     bool
}

// NewTask returns a Task due at deadline.
func NewTask(deadline time.Time, fn func(ctx context.Context, now time.Time)) *Task {
	return &Task{deadline: deadline, fn: fn}
}

func (t *Task) Deadline() time.Time {
	return t.deadline
}

func (t *Task) Perform(ctx context.Context, now time.Time) bool {
	if t.done {
		return true
	}
	if now.Before(t.deadline) {
		return false
	}
	t.fn(ctx, now)
	t.done = true
	return true
}

// combined resolves once every constituent has resolved.
type combined struct {
	pending []Maintenance
}

// CombineMaintenance merges the present tasks into a single unit. Nil
// entries are ignored; when no task is present the result is nil.
func CombineMaintenance(tasks ...Maintenance) Maintenance {
	pending := make([]Maintenance, 0, len(tasks))
	for _, t := range tasks {
		if t != nil {
			pending = append(pending, t)
		}
	}
	switch len(pending) {
	case 0:
		return nil
	case 1:
		return pending[0]
	}
	return &combined{pending: pending}
}

func (c *combined) Deadline() time.Time {
	var earliest time.Time
	for i, m := range c.pending {
		if d := m.Deadline(); i == 0 || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}

func (c *combined) Perform(ctx context.Context, now time.Time) bool {
	remaining := c.pending[:0]
	for _, m := range c.pending {
		if !m.Deadline().After(now) && m.Perform(ctx, now) {
			continue
		}
		remaining = append(remaining, m)
	}
	clear(c.pending[len(remaining):])
	c.pending = remaining
	return len(c.pending) == 0
}

// AwaitMaintenance blocks until m has fully resolved, sleeping on clk
// until each deadline and performing the due work. It returns
// ctx.Err() when ctx ends first. A nil m resolves immediately.
func AwaitMaintenance(ctx context.Context, clk clock.Clock, m Maintenance) error {
	if m == nil {
		return nil
	}
	for {
		if d := m.Deadline().Sub(clk.Now()); d > 0 {
			t := clk.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C():
			}
		}
		if m.Perform(ctx, clk.Now()) {
			return nil
		}
	}
}
