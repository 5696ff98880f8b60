// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package sending

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// Queue entries live in two maps keyed destination ++ 0xFF ++ count.
// New work lands in the queued map; a worker moves a batch into the
// in-flight map before sending and deletes it after the destination
// acknowledged. A crash between the two leaves the batch in-flight,
// and the next start resends it: delivery is at-least-once, receivers
// deduplicate by event ID.

// queueEntry is the durable form of one queued item.
type queueEntry struct {
	EventID string `cbor:"event_id"`
}

func encodeQueueEntry(entry queueEntry) ([]byte, error) {
	value, err := cbor.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("sending: encoding queue entry: %w", err)
	}
	return value, nil
}

func decodeQueueEntry(value []byte) (queueEntry, error) {
	var entry queueEntry
	if err := cbor.Unmarshal(value, &entry); err != nil {
		return queueEntry{}, fmt.Errorf("sending: decoding queue entry: %w", err)
	}
	return entry, nil
}

func queueKey(dest Destination, count uint64) []byte {
	return database.JoinKey(dest.Key(), database.EncodeCounter(count))
}

// pendingEntry is a queue entry with its position decoded.
type pendingEntry struct {
	key   []byte
	value []byte
	count uint64
	event ref.EventID
}

// scanQueue reads a destination's entries from one of the queue maps
// in count order.
func (s *Service) scanQueue(ctx context.Context, m *database.Map, dest Destination, limit int) ([]pendingEntry, error) {
	prefix := append(dest.Key(), database.Separator)
	var entries []pendingEntry
	err := m.Scan(ctx, database.ScanOptions{Prefix: prefix, Limit: limit}, func(key, value []byte) error {
		rest := key[len(prefix):]
		if len(rest) != 8 {
			return fmt.Errorf("sending: malformed queue key in %s", m.Name())
		}
		entry, err := decodeQueueEntry(value)
		if err != nil {
			return err
		}
		event, err := ref.ParseEventID(entry.EventID)
		if err != nil {
			return fmt.Errorf("sending: queue entry event ID: %w", err)
		}
		entries = append(entries, pendingEntry{
			key:   key,
			value: value,
			count: database.CounterValue(rest),
			event: event,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// inflightEntries returns the destination's in-flight batch: entries
// a previous attempt already moved out of the queue.
func (s *Service) inflightEntries(ctx context.Context, dest Destination) ([]pendingEntry, error) {
	return s.scanQueue(ctx, s.inflight, dest, 0)
}

// promoteQueued moves up to limit queued entries into the in-flight
// map and returns them.
func (s *Service) promoteQueued(ctx context.Context, dest Destination, limit int) ([]pendingEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.scanQueue(ctx, s.queued, dest, limit)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	batch := s.db.NewBatch()
	for _, entry := range entries {
		batch.Del(s.queued, entry.key)
		batch.Put(s.inflight, entry.key, entry.value)
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

// pendingDestinations lists every destination with work in either
// queue map. The count segment is raw binary, so the key is sliced at
// the first separator rather than split.
func (s *Service) pendingDestinations(ctx context.Context) ([]Destination, error) {
	seen := make(map[string]Destination)
	for _, m := range []*database.Map{s.inflight, s.queued} {
		err := m.ScanPrefix(ctx, nil, func(key, _ []byte) error {
			idx := bytes.IndexByte(key, database.Separator)
			if idx <= 0 {
				return nil
			}
			destKey := string(key[:idx])
			if _, ok := seen[destKey]; ok {
				return nil
			}
			dest, err := parseDestinationKey(key[:idx])
			if err != nil {
				s.logger.Warn("dropping unparseable queue destination",
					"map", m.Name(), "error", err)
				return nil
			}
			seen[destKey] = dest
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	dests := make([]Destination, 0, len(seen))
	for _, dest := range seen {
		dests = append(dests, dest)
	}
	return dests, nil
}

// destEduCount returns the destination's receipt watermark: the
// highest receipt count a transaction has delivered.
func (s *Service) destEduCount(ctx context.Context, dest Destination) (uint64, error) {
	value, err := s.eduCount.Get(ctx, dest.Key())
	if err != nil || value == nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}
