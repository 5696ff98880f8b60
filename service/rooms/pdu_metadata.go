// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"encoding/binary"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// MarkReferenced records that an event is a prev_event of some
// admitted event. Referenced events can never become forward
// extremities again.
func (s *Service) MarkReferenced(ctx context.Context, room ref.RoomID, event ref.EventID) error {
	return s.referenced.Put(ctx, database.JoinKey([]byte(room.String()), []byte(event.String())), nil)
}

// IsReferenced reports whether the event is referenced by an admitted
// event.
func (s *Service) IsReferenced(ctx context.Context, room ref.RoomID, event ref.EventID) (bool, error) {
	return s.referenced.Has(ctx, database.JoinKey([]byte(room.String()), []byte(event.String())))
}

// MarkSoftFailed records an event that passed authorization against
// its own claimed state but not against the room's current state. Soft
// failed events stay out of the forward extremities.
func (s *Service) MarkSoftFailed(ctx context.Context, event ref.EventID) error {
	return s.softFailed.Put(ctx, []byte(event.String()), nil)
}

// IsSoftFailed reports whether the event was soft failed.
func (s *Service) IsSoftFailed(ctx context.Context, event ref.EventID) (bool, error) {
	return s.softFailed.Has(ctx, []byte(event.String()))
}

// AddRelation records that the event at childCount relates to the one
// at targetCount. Counts are globally unique, so the pair needs no
// room scope.
func (s *Service) AddRelation(ctx context.Context, targetCount, childCount uint64) error {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], targetCount)
	binary.BigEndian.PutUint64(key[8:16], childCount)
	return s.relations.Put(ctx, key, nil)
}

// Relations returns the counts of events relating to the target,
// newest first.
func (s *Service) Relations(ctx context.Context, target ref.EventID, limit int) ([]uint64, error) {
	targetCount, ok, err := s.PDUCount(ctx, target)
	if err != nil || !ok {
		return nil, err
	}
	prefix := database.EncodeCounter(targetCount)
	var counts []uint64
	err = s.relations.Scan(ctx, database.ScanOptions{
		Prefix:     prefix,
		Descending: true,
		Limit:      limit,
	}, func(key, _ []byte) error {
		if len(key) == 16 {
			counts = append(counts, binary.BigEndian.Uint64(key[8:16]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
