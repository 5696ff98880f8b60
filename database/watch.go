// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"strings"
	"sync"
)

// watchRegistry holds the pending watch channels of one map, keyed by
// prefix. A channel is closed and removed by the first committed put
// whose key starts with its prefix.
type watchRegistry struct {
	mu       sync.Mutex
	watchers map[string]chan struct{}
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watchers: make(map[string]chan struct{})}
}

// Watch returns a channel closed by the next committed put to this map
// whose key starts with prefix. Callers watching the same prefix share
// one channel. After the channel closes, call Watch again for the next
// write; each returned channel fires once.
func (m *Map) Watch(prefix []byte) <-chan struct{} {
	r := m.watch
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(prefix)
	ch, ok := r.watchers[key]
	if !ok {
		ch = make(chan struct{})
		r.watchers[key] = ch
	}
	return ch
}

// notify wakes every watcher whose prefix is a prefix of key. Called
// after the write has committed.
func (r *watchRegistry) notify(key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.watchers) == 0 {
		return
	}
	written := string(key)
	for prefix, ch := range r.watchers {
		if strings.HasPrefix(written, prefix) {
			close(ch)
			delete(r.watchers, prefix)
		}
	}
}

// closeAll wakes every watcher. Used at engine shutdown so blocked
// long-polls return.
func (r *watchRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for prefix, ch := range r.watchers {
		close(ch)
		delete(r.watchers, prefix)
	}
}
