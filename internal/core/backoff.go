package core

import (
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
)

// backoffJitter spreads each delay over [d, 1.5d] so reflectors that
// failed together do not retry in lockstep.
const backoffJitter = 0.5

// backoff is a resettable exponential backoff capped at max.
type backoff struct {
	max     time.Duration
	initial wait.Backoff
	current wait.Backoff
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	initial := wait.Backoff{
		Duration: base,
		Factor:   2,
		Jitter:   backoffJitter,
		Steps:    math.MaxInt32,
		Cap:      max,
	}
	return &backoff{max: max, initial: initial, current: initial}
}

// Next returns the jittered delay for this attempt and doubles the
// interval for the next one. The result never exceeds max.
func (b *backoff) Next() time.Duration {
	return min(b.current.Step(), b.max)
}

// Reset sets the delay back to the base value.
func (b *backoff) Reset() {
	b.current = b.initial
}
