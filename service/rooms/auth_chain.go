// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix/stateres"
)

// Auth chains are memoized per event as a flat list of short event
// IDs, both in memory and on disk. The chain of an event includes the
// event itself.

const chainCacheLimit = 10_000

type chainCache struct {
	mu     sync.Mutex
	chains map[uint64][]uint64
}

func newChainCache() *chainCache {
	return &chainCache{chains: make(map[uint64][]uint64)}
}

func (c *chainCache) get(short uint64) ([]uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain, ok := c.chains[short]
	return chain, ok
}

func (c *chainCache) put(short uint64, chain []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chains) >= chainCacheLimit {
		c.chains = make(map[uint64][]uint64)
	}
	c.chains[short] = chain
}

func encodeShortSet(set map[uint64]struct{}) []byte {
	buf := make([]byte, 0, 8*len(set))
	for short := range set {
		buf = append(buf, database.EncodeCounter(short)...)
	}
	return buf
}

func decodeShortList(value []byte) []uint64 {
	shorts := make([]uint64, 0, len(value)/8)
	for i := 0; i+8 <= len(value); i += 8 {
		shorts = append(shorts, database.CounterValue(value[i:i+8]))
	}
	return shorts
}

// AuthChain returns the union of the full recursive auth chains of
// the starting events, each chain including its starting event.
func (s *Service) AuthChain(ctx context.Context, room ref.RoomID, starting []ref.EventID) (stateres.EventIDSet, error) {
	full := make(map[uint64]struct{})
	for _, event := range starting {
		short, err := s.shortEventID(ctx, event)
		if err != nil {
			return nil, err
		}
		chain, err := s.authChainShorts(ctx, room, short, event)
		if err != nil {
			return nil, err
		}
		for _, member := range chain {
			full[member] = struct{}{}
		}
	}

	set := make(stateres.EventIDSet, len(full))
	for short := range full {
		event, err := s.eventIDFromShort(ctx, short)
		if err != nil {
			return nil, err
		}
		set[event] = true
	}
	return set, nil
}

// authChainShorts returns the event's full recursive auth chain as
// short IDs, including the event itself, computing and caching it on
// first use.
func (s *Service) authChainShorts(ctx context.Context, room ref.RoomID, short uint64, event ref.EventID) ([]uint64, error) {
	if chain, ok := s.chainCache.get(short); ok {
		return chain, nil
	}
	stored, err := s.authChain.Get(ctx, database.EncodeCounter(short))
	if err != nil {
		return nil, err
	}
	if stored != nil {
		chain := decodeShortList(stored)
		s.chainCache.put(short, chain)
		return chain, nil
	}

	pdu, err := s.PDUByID(ctx, event)
	if err != nil {
		return nil, err
	}
	if pdu == nil {
		return nil, fmt.Errorf("rooms: auth chain of unknown event %s", event)
	}

	set := map[uint64]struct{}{short: {}}
	for _, auth := range pdu.AuthEvents {
		authShort, err := s.shortEventID(ctx, auth)
		if err != nil {
			return nil, err
		}
		chain, err := s.authChainShorts(ctx, room, authShort, auth)
		if err != nil {
			return nil, err
		}
		for _, member := range chain {
			set[member] = struct{}{}
		}
	}

	chain := make([]uint64, 0, len(set))
	for member := range set {
		chain = append(chain, member)
	}
	if err := s.authChain.Put(ctx, database.EncodeCounter(short), encodeShortSet(set)); err != nil {
		return nil, err
	}
	s.chainCache.put(short, chain)
	return chain, nil
}
