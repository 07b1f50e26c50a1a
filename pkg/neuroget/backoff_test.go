// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	// Zero jitter keeps the schedule deterministic.
	b := &backoff{next: 100 * time.Millisecond, max: 400 * time.Millisecond, mult: 2.0}

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next(), "delay must stay at the cap")
}

func TestNewBackoffDefaults(t *testing.T) {
	b := newBackoff("", "")
	assert.Equal(t, 500*time.Millisecond, b.next)
	assert.Equal(t, 32*time.Second, b.max)

	b = newBackoff("garbage", "also garbage")
	assert.Equal(t, 500*time.Millisecond, b.next)
	assert.Equal(t, 32*time.Second, b.max)

	b = newBackoff("2s", "1m")
	assert.Equal(t, 2*time.Second, b.next)
	assert.Equal(t, time.Minute, b.max)
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := newBackoff("100ms", "1s")
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

func TestSleepCtxCompletes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	done := make(chan bool, 1)

	go func() {
		done <- sleepCtx(context.Background(), clock, time.Minute)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("sleepCtx did not return after the clock advanced")
	}
}

func TestSleepCtxCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sleepCtx(ctx, clock, time.Hour))
}
