// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"sync"
	"time"

	"github.com/tototomate123/tuwunel/lib/clock"
)

// Federation fetch backoff windows. Auth events are retried sooner
// than prev events: a missing auth event blocks the whole room, a
// missing prev event only widens a gap.
const (
	authFetchBackoffMin = 2 * time.Minute
	authFetchBackoffMax = 8 * time.Hour
	prevFetchBackoffMin = 5 * time.Minute
	prevFetchBackoffMax = 24 * time.Hour
)

type backoffEntry struct {
	failures int
	last     time.Time
}

// backoffCache tracks events and servers whose fetches recently
// failed, with an exponentially growing hold-off per key.
type backoffCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]backoffEntry
}

func newBackoffCache(c clock.Clock) *backoffCache {
	return &backoffCache{clock: c, entries: make(map[string]backoffEntry)}
}

// Failure records a failed attempt for the key.
func (b *backoffCache) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entries[key]
	entry.failures++
	entry.last = b.clock.Now()
	b.entries[key] = entry
}

// Reset clears the key after a success.
func (b *backoffCache) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Allowed reports whether the key may be retried: the hold-off doubles
// with every failure from min up to max.
func (b *backoffCache) Allowed(key string, min, max time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return true
	}
	window := min
	for i := 1; i < entry.failures && window < max; i++ {
		window *= 2
	}
	if window > max {
		window = max
	}
	return b.clock.Now().Sub(entry.last) >= window
}
