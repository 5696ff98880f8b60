// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at start. Time moves only through
// Advance. Safe for concurrent use.
func Fake(start time.Time) *FakeClock {
	f := &FakeClock{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests. After registers a
// pending waiter; Advance moves the clock and delivers to every waiter
// whose deadline has been reached, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []waiter
}

type waiter struct {
	fires time.Time
	ch    chan time.Time
}

// Now reports the fake clock's current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that delivers the clock's time once Advance
// has moved it at least d past the current time. A non-positive d
// delivers immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.pending = append(f.pending, waiter{fires: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// Advance moves the clock forward by d and delivers to every pending
// waiter whose deadline is now due, earliest first. Panics if d is
// negative.
func (f *FakeClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: Advance with negative duration")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	var due []waiter
	remaining := f.pending[:0]
	for _, w := range f.pending {
		if w.fires.After(f.now) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w)
	}
	f.pending = remaining
	sort.Slice(due, func(i, j int) bool { return due[i].fires.Before(due[j].fires) })
	for _, w := range due {
		// Capacity 1, nobody else sends: never blocks.
		w.ch <- w.fires
	}
	f.changed.Broadcast()
}

// WaitForTimers blocks until at least n waiters are pending. Call it
// before Advance when the waiter is registered by another goroutine,
// otherwise the advance can happen before the registration and the
// waiter never fires.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < n {
		f.changed.Wait()
	}
}
