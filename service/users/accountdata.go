// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// AccountDataEvent is the stored shape of one account data entry, the
// same shape sync returns.
type AccountDataEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// SetAccountData stores account data of one type for a user. A zero
// room sets global account data. Every write is stamped with a fresh
// sequence number so sync can report changes incrementally.
func (s *Service) SetAccountData(ctx context.Context, room ref.RoomID, user ref.UserID, eventType string, content json.RawMessage) error {
	value, err := json.Marshal(AccountDataEvent{Type: eventType, Content: content})
	if err != nil {
		return fmt.Errorf("users: encoding account data: %w", err)
	}

	permit, err := s.globals.Next(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	id := database.JoinKey(
		[]byte(room.String()),
		[]byte(user.String()),
		database.EncodeCounter(permit.ID()),
		[]byte(eventType))

	batch := s.db.NewBatch()
	batch.Put(s.accountData, id, value)
	batch.Put(s.accountDataIndex, s.accountDataKey(room, user, eventType), id)
	return batch.Commit(ctx)
}

// AccountData returns the latest content of one account data type,
// nil when never set. A zero room reads global account data.
func (s *Service) AccountData(ctx context.Context, room ref.RoomID, user ref.UserID, eventType string) (json.RawMessage, error) {
	id, err := s.accountDataIndex.Get(ctx, s.accountDataKey(room, user, eventType))
	if err != nil || id == nil {
		return nil, err
	}
	value, err := s.accountData.Get(ctx, id)
	if err != nil || value == nil {
		return nil, err
	}
	var event AccountDataEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("users: decoding account data: %w", err)
	}
	return event.Content, nil
}

// AccountDataChanges returns every account data entry written with a
// sequence number above since, newest write per type.
func (s *Service) AccountDataChanges(ctx context.Context, room ref.RoomID, user ref.UserID, since uint64) ([]AccountDataEvent, error) {
	prefix := database.JoinKey([]byte(room.String()), []byte(user.String()), nil)

	var out []AccountDataEvent
	seen := make(map[string]int)
	err := s.accountData.Scan(ctx, database.ScanOptions{
		Prefix: prefix,
		From:   append(append([]byte{}, prefix...), database.EncodeCounter(since+1)...),
	}, func(key, value []byte) error {
		var event AccountDataEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("users: decoding account data: %w", err)
		}
		if i, ok := seen[event.Type]; ok {
			out[i] = event
			return nil
		}
		seen[event.Type] = len(out)
		out = append(out, event)
		return nil
	})
	return out, err
}

func (s *Service) accountDataKey(room ref.RoomID, user ref.UserID, eventType string) []byte {
	return database.JoinKey(
		[]byte(room.String()),
		[]byte(user.String()),
		[]byte(eventType))
}
