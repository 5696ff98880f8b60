// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// Read receipts are keyed room, count, user so sync can scan a room's
// receipts since a count in one pass. Each update replaces the user's
// previous receipt in the room.

// Receipt is one user's public read receipt in a room.
type Receipt struct {
	User    ref.UserID
	EventID ref.EventID
	TS      int64
	Count   uint64
}

type storedReceipt struct {
	EventID ref.EventID `json:"event_id"`
	TS      int64       `json:"ts"`
}

// UpdateReadReceipt stores the user's public read receipt for the
// room, replacing any previous one.
func (s *Service) UpdateReadReceipt(ctx context.Context, room ref.RoomID, user ref.UserID, event ref.EventID, ts int64) error {
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	value, err := json.Marshal(storedReceipt{EventID: event, TS: ts})
	if err != nil {
		return fmt.Errorf("rooms: marshaling receipt: %w", err)
	}

	batch := s.db.NewBatch()
	prefix := append([]byte(room.String()), database.Separator)
	userSuffix := append([]byte{database.Separator}, []byte(user.String())...)
	err = s.readReceipt.ScanPrefix(ctx, prefix, func(key, _ []byte) error {
		if bytes.HasSuffix(key, userSuffix) {
			batch.Del(s.readReceipt, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	key := database.JoinKey([]byte(room.String()), database.EncodeCounter(count), []byte(user.String()))
	batch.Put(s.readReceipt, key, value)
	return batch.Commit(ctx)
}

// ReceiptsAfter returns the room's receipts with counts strictly
// greater than since.
func (s *Service) ReceiptsAfter(ctx context.Context, room ref.RoomID, since uint64) ([]Receipt, error) {
	prefix := append([]byte(room.String()), database.Separator)
	from := database.JoinKey([]byte(room.String()), database.EncodeCounter(since+1))
	var receipts []Receipt
	err := s.readReceipt.Scan(ctx, database.ScanOptions{Prefix: prefix, From: from}, func(key, value []byte) error {
		rest := key[len(prefix):]
		if len(rest) < 8+1+1 {
			return fmt.Errorf("rooms: malformed receipt key")
		}
		count := database.CounterValue(rest[:8])
		user, err := ref.ParseUserID(string(rest[9:]))
		if err != nil {
			return fmt.Errorf("rooms: receipt key user: %w", err)
		}
		var stored storedReceipt
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("rooms: stored receipt: %w", err)
		}
		receipts = append(receipts, Receipt{User: user, EventID: stored.EventID, TS: stored.TS, Count: count})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// SetPrivateReadMarker moves the user's private read marker to a
// timeline position and stamps the update for sync change detection.
func (s *Service) SetPrivateReadMarker(ctx context.Context, room ref.RoomID, user ref.UserID, position uint64) error {
	stamp, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Put(s.privateRead, roomUserKey(room, user), database.EncodeCounter(position))
	batch.Put(s.privateReadUpdate, roomUserKey(room, user), database.EncodeCounter(stamp))
	return batch.Commit(ctx)
}

// PrivateReadMarker returns the user's private read position in the
// room.
func (s *Service) PrivateReadMarker(ctx context.Context, room ref.RoomID, user ref.UserID) (uint64, bool, error) {
	value, err := s.privateRead.Get(ctx, roomUserKey(room, user))
	if err != nil || value == nil {
		return 0, false, err
	}
	return database.CounterValue(value), true, nil
}

// LastPrivateReadUpdate returns the count at which the user's private
// read marker last moved.
func (s *Service) LastPrivateReadUpdate(ctx context.Context, room ref.RoomID, user ref.UserID) (uint64, error) {
	value, err := s.privateReadUpdate.Get(ctx, roomUserKey(room, user))
	if err != nil {
		return 0, err
	}
	return database.CounterValue(value), nil
}
