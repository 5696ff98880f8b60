// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package globals

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Counter issues the global sequence numbers that order every write on
// the server, in two phases. Next dispatches a number and durably
// commits it before returning, so a crash can never reuse it. The
// caller releases the permit once the writes stamped with that number
// are visible. The retired watermark, one less than the lowest number
// still pending, is the highest sequence number a reader may consume
// without missing in-flight data.
type Counter struct {
	commit func(context.Context, uint64) error

	mu         sync.Mutex
	dispatched uint64
	pending    []uint64
	retired    uint64
	wake       chan struct{}
}

// Permit is a dispatched sequence number whose writes are not yet
// visible. Release it when they are, typically with defer.
type Permit struct {
	counter *Counter
	id      uint64
	retired uint64
	once    sync.Once
}

func newCounter(init uint64, commit func(context.Context, uint64) error) *Counter {
	return &Counter{
		commit:     commit,
		dispatched: init,
		retired:    init,
		wake:       make(chan struct{}),
	}
}

// Next dispatches the following sequence number. The number is
// committed to storage before Next returns; on error the counter is
// unchanged.
func (c *Counter) Next(ctx context.Context) (*Permit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.dispatched + 1
	if err := c.commit(ctx, id); err != nil {
		return nil, fmt.Errorf("globals: committing sequence number %d: %w", id, err)
	}
	c.dispatched = id
	c.pending = append(c.pending, id)

	return &Permit{counter: c, id: id, retired: c.retired}, nil
}

// Current returns the retired watermark, the highest sequence number
// whose writes are globally visible.
func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

// Dispatched returns the highest sequence number handed out, retired
// or not.
func (c *Counter) Dispatched() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}

// WaitCount blocks until the retired watermark reaches count, and
// returns the watermark observed.
func (c *Counter) WaitCount(ctx context.Context, count uint64) (uint64, error) {
	for {
		c.mu.Lock()
		retired, wake := c.retired, c.wake
		c.mu.Unlock()

		if retired >= count {
			return retired, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WaitPending blocks until every sequence number dispatched before the
// call has retired, and returns the watermark observed.
func (c *Counter) WaitPending(ctx context.Context) (uint64, error) {
	return c.WaitCount(ctx, c.Dispatched())
}

func (c *Counter) retire(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.pending), func(i int) bool { return c.pending[i] >= id })
	if i == len(c.pending) || c.pending[i] != id {
		return
	}
	c.pending = append(c.pending[:i], c.pending[i+1:]...)

	watermark := c.dispatched
	if len(c.pending) > 0 {
		watermark = c.pending[0] - 1
	}
	if watermark != c.retired {
		c.retired = watermark
		close(c.wake)
		c.wake = make(chan struct{})
	}
}

// ID returns the sequence number held by the permit.
func (p *Permit) ID() uint64 { return p.id }

// Retired returns the watermark sampled when the permit was issued. It
// may already be stale.
func (p *Permit) Retired() uint64 { return p.retired }

// Release retires the permit's sequence number. Writes stamped with it
// must be visible before the call. Release is idempotent.
func (p *Permit) Release() {
	p.once.Do(func() { p.counter.retire(p.id) })
}
