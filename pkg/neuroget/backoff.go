// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// backoff implements exponential backoff with jitter.
type backoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
	rand   *rand.Rand
}

// newBackoff builds a backoff from duration strings, falling back to the
// given defaults when a string is empty or malformed.
func newBackoff(initial, max string) *backoff {
	ini := 500 * time.Millisecond
	cap := 32 * time.Second
	if d, err := time.ParseDuration(initial); err == nil && d > 0 {
		ini = d
	}
	if d, err := time.ParseDuration(max); err == nil && d > 0 {
		cap = d
	}
	return &backoff{
		next:   ini,
		max:    cap,
		mult:   2.0,
		jitter: ini / 4,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the upcoming retry and advances
// the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.jitter > 0 {
		d += time.Duration(b.rand.Int63n(int64(b.jitter)))
	}
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// sleepCtx waits for d on the given clock, or returns false if ctx is
// canceled first. Backoff waits must not outlive a canceled run.
func sleepCtx(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
