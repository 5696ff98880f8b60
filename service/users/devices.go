// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
)

// Device is the stored metadata for one device.
type Device struct {
	ID          ref.DeviceID `json:"device_id"`
	DisplayName string       `json:"display_name,omitempty"`
	LastSeenTS  int64        `json:"last_seen_ts,omitempty"`
}

// NewToken returns a fresh url-safe access token.
func NewToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("users: generating access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewDeviceID returns a fresh device id.
func NewDeviceID() (ref.DeviceID, error) {
	id, err := randomString(10)
	if err != nil {
		return ref.DeviceID{}, err
	}
	return ref.ParseDeviceID(id)
}

// CreateDevice adds a device to an existing account and binds the
// access token to it.
func (s *Service) CreateDevice(ctx context.Context, user ref.UserID, device ref.DeviceID, token, displayName string) error {
	exists, err := s.Exists(ctx, user)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	metadata, err := json.Marshal(Device{
		ID:          device,
		DisplayName: displayName,
		LastSeenTS:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("users: encoding device metadata: %w", err)
	}
	if err := s.deviceMetadata.Put(ctx, s.deviceKey(user, device), metadata); err != nil {
		return err
	}
	return s.SetToken(ctx, user, device, token)
}

// RemoveDevice deletes the device, its token, and its queued
// to-device events.
func (s *Service) RemoveDevice(ctx context.Context, user ref.UserID, device ref.DeviceID) error {
	key := s.deviceKey(user, device)

	if old, err := s.deviceToken.Get(ctx, key); err != nil {
		return err
	} else if old != nil {
		if err := s.tokenDevice.Del(ctx, old); err != nil {
			return err
		}
		if err := s.deviceToken.Del(ctx, key); err != nil {
			return err
		}
	}

	if err := s.RemoveToDeviceEvents(ctx, user, device, 0); err != nil {
		return err
	}
	return s.deviceMetadata.Del(ctx, key)
}

// Device returns metadata for one device, nil when unknown.
func (s *Service) Device(ctx context.Context, user ref.UserID, device ref.DeviceID) (*Device, error) {
	value, err := s.deviceMetadata.Get(ctx, s.deviceKey(user, device))
	if err != nil || value == nil {
		return nil, err
	}
	var out Device
	if err := json.Unmarshal(value, &out); err != nil {
		return nil, fmt.Errorf("users: decoding device metadata: %w", err)
	}
	return &out, nil
}

// Devices lists every device of the user.
func (s *Service) Devices(ctx context.Context, user ref.UserID) ([]Device, error) {
	prefix := database.JoinKey([]byte(user.String()), nil)
	var out []Device
	err := s.deviceMetadata.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		var device Device
		if err := json.Unmarshal(value, &device); err != nil {
			return fmt.Errorf("users: decoding device metadata: %w", err)
		}
		out = append(out, device)
		return nil
	})
	return out, err
}

// UpdateDevice stores new metadata for an existing device.
func (s *Service) UpdateDevice(ctx context.Context, user ref.UserID, device Device) error {
	key := s.deviceKey(user, device.ID)
	existing, err := s.deviceMetadata.Has(ctx, key)
	if err != nil {
		return err
	}
	if !existing {
		return fmt.Errorf("users: device %s not found", device.ID)
	}
	metadata, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("users: encoding device metadata: %w", err)
	}
	return s.deviceMetadata.Put(ctx, key, metadata)
}

// SetToken replaces the access token of a device. The previous token
// stops working.
func (s *Service) SetToken(ctx context.Context, user ref.UserID, device ref.DeviceID, token string) error {
	key := s.deviceKey(user, device)
	existing, err := s.deviceMetadata.Has(ctx, key)
	if err != nil {
		return err
	}
	if !existing {
		return fmt.Errorf("users: device %s has no metadata", device)
	}

	if old, err := s.deviceToken.Get(ctx, key); err != nil {
		return err
	} else if old != nil {
		if err := s.tokenDevice.Del(ctx, old); err != nil {
			return err
		}
	}

	if err := s.deviceToken.Put(ctx, key, []byte(token)); err != nil {
		return err
	}
	return s.tokenDevice.Put(ctx, []byte(token), key)
}

// FindFromToken resolves an access token to its user and device.
func (s *Service) FindFromToken(ctx context.Context, token string) (ref.UserID, ref.DeviceID, error) {
	value, err := s.tokenDevice.Get(ctx, []byte(token))
	if err != nil {
		return ref.UserID{}, ref.DeviceID{}, err
	}
	if value == nil {
		return ref.UserID{}, ref.DeviceID{}, ErrUnknownToken
	}

	parts := database.SplitKey(value)
	if len(parts) != 2 {
		return ref.UserID{}, ref.DeviceID{}, fmt.Errorf("users: malformed token mapping")
	}
	user, err := ref.ParseUserID(string(parts[0]))
	if err != nil {
		return ref.UserID{}, ref.DeviceID{}, fmt.Errorf("users: token mapping: %w", err)
	}
	device, err := ref.ParseDeviceID(string(parts[1]))
	if err != nil {
		return ref.UserID{}, ref.DeviceID{}, fmt.Errorf("users: token mapping: %w", err)
	}
	return user, device, nil
}

// ToDeviceEvent is one queued send-to-device message.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// AddToDeviceEvent queues a message for one device, stamped with a
// fresh sequence number so sync can page through the queue.
func (s *Service) AddToDeviceEvent(ctx context.Context, sender, target ref.UserID, device ref.DeviceID, eventType string, content json.RawMessage) error {
	value, err := json.Marshal(ToDeviceEvent{Type: eventType, Sender: sender, Content: content})
	if err != nil {
		return fmt.Errorf("users: encoding to-device event: %w", err)
	}

	permit, err := s.globals.Next(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	key := database.JoinKey(
		[]byte(target.String()),
		[]byte(device.String()),
		database.EncodeCounter(permit.ID()))
	return s.toDevice.Put(ctx, key, value)
}

// ToDeviceEvents returns queued messages with sequence numbers above
// since.
func (s *Service) ToDeviceEvents(ctx context.Context, user ref.UserID, device ref.DeviceID, since uint64) ([]json.RawMessage, error) {
	prefix := database.JoinKey([]byte(user.String()), []byte(device.String()), nil)

	var out []json.RawMessage
	err := s.toDevice.Scan(ctx, database.ScanOptions{
		Prefix: prefix,
		From:   append(append([]byte{}, prefix...), database.EncodeCounter(since+1)...),
	}, func(key, value []byte) error {
		out = append(out, json.RawMessage(append([]byte{}, value...)))
		return nil
	})
	return out, err
}

// RemoveToDeviceEvents deletes queued messages with sequence numbers
// up to and including until. Zero removes everything.
func (s *Service) RemoveToDeviceEvents(ctx context.Context, user ref.UserID, device ref.DeviceID, until uint64) error {
	prefix := database.JoinKey([]byte(user.String()), []byte(device.String()), nil)

	var stale [][]byte
	err := s.toDevice.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		count := database.CounterValue(key[len(prefix):])
		if until == 0 || count <= until {
			stale = append(stale, append([]byte{}, key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := s.toDevice.Del(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deviceKey(user ref.UserID, device ref.DeviceID) []byte {
	return database.JoinKey([]byte(user.String()), []byte(device.String()))
}
