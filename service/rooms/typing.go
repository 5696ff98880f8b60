// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/tototomate123/tuwunel/lib/ref"
)

// Typing indications are held in memory only; they are worthless
// after a restart. Each change draws a count from the global counter
// so sync can order typing against everything else.

type typingState struct {
	mu sync.Mutex

	// users maps room -> user -> expiry.
	users map[string]map[string]time.Time

	// lastChange maps room -> count of the latest change.
	lastChange map[string]uint64

	// watchers holds one-shot wake channels per room.
	watchers map[string][]chan struct{}
}

func newTypingState() *typingState {
	return &typingState{
		users:      make(map[string]map[string]time.Time),
		lastChange: make(map[string]uint64),
		watchers:   make(map[string][]chan struct{}),
	}
}

func (t *typingState) wakeLocked(room string) {
	for _, ch := range t.watchers[room] {
		close(ch)
	}
	delete(t.watchers, room)
}

// TypingAdd marks the user as typing in the room until timeout passes
// or TypingRemove is called.
func (s *Service) TypingAdd(ctx context.Context, user ref.UserID, room ref.RoomID, timeout time.Duration) error {
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	t := s.typing
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.users[room.String()] == nil {
		t.users[room.String()] = make(map[string]time.Time)
	}
	t.users[room.String()][user.String()] = s.clock.Now().Add(timeout)
	t.lastChange[room.String()] = count
	t.wakeLocked(room.String())
	return nil
}

// TypingRemove clears the user's typing state in the room.
func (s *Service) TypingRemove(ctx context.Context, user ref.UserID, room ref.RoomID) error {
	t := s.typing
	t.mu.Lock()
	inRoom := t.users[room.String()][user.String()]
	t.mu.Unlock()
	if inRoom.IsZero() {
		return nil
	}
	count, err := s.nextCount(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users[room.String()], user.String())
	t.lastChange[room.String()] = count
	t.wakeLocked(room.String())
	return nil
}

// TypingUsers returns who is typing in the room, pruning expired
// entries.
func (s *Service) TypingUsers(ctx context.Context, room ref.RoomID) ([]ref.UserID, error) {
	now := s.clock.Now()
	t := s.typing

	t.mu.Lock()
	var expired bool
	for raw, expiry := range t.users[room.String()] {
		if now.After(expiry) {
			delete(t.users[room.String()], raw)
			expired = true
		}
	}
	var users []ref.UserID
	for raw := range t.users[room.String()] {
		user, err := ref.ParseUserID(raw)
		if err == nil {
			users = append(users, user)
		}
	}
	t.mu.Unlock()

	if expired {
		count, err := s.nextCount(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.lastChange[room.String()] = count
		t.wakeLocked(room.String())
		t.mu.Unlock()
	}
	return users, nil
}

// TypingLastChange returns the count of the room's latest typing
// change, zero when nothing ever typed.
func (s *Service) TypingLastChange(room ref.RoomID) uint64 {
	t := s.typing
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastChange[room.String()]
}

// TypingWatch returns a channel closed on the room's next typing
// change. One-shot, like database watches.
func (s *Service) TypingWatch(room ref.RoomID) <-chan struct{} {
	t := s.typing
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	t.watchers[room.String()] = append(t.watchers[room.String()], ch)
	return ch
}
