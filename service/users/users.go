// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package users manages local accounts: passwords, profiles, devices
// and their access tokens, sync filters, to-device messages, and
// account data.
package users

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/globals"
)

// ErrUnknownToken is returned when an access token maps to no device.
var ErrUnknownToken = errors.New("users: unknown access token")

// ErrInvalidPassword is returned when a password does not match the
// stored hash.
var ErrInvalidPassword = errors.New("users: invalid password")

// ErrUserNotFound is returned for operations on accounts that do not
// exist.
var ErrUserNotFound = errors.New("users: user does not exist")

// Config configures the users service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Globals issues sequence numbers for to-device messages and
	// account data. Required.
	Globals *globals.Service

	// Logger receives service logs. Required.
	Logger *slog.Logger
}

// Service is the users service.
type Service struct {
	logger  *slog.Logger
	globals *globals.Service
	db      *database.Engine

	password    *database.Map
	displayname *database.Map
	avatarURL   *database.Map

	deviceToken    *database.Map
	deviceMetadata *database.Map
	tokenDevice    *database.Map

	filters      *database.Map
	txnResponses *database.Map
	toDevice     *database.Map

	accountData      *database.Map
	accountDataIndex *database.Map
}

// New wires the users service to its maps.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("users: Config.DB is required")
	}
	if cfg.Globals == nil {
		panic("users: Config.Globals is required")
	}
	if cfg.Logger == nil {
		panic("users: Config.Logger is required")
	}
	return &Service{
		logger:  cfg.Logger,
		globals: cfg.Globals,
		db:      cfg.DB,

		password:    cfg.DB.Map("userid_password"),
		displayname: cfg.DB.Map("userid_displayname"),
		avatarURL:   cfg.DB.Map("userid_avatarurl"),

		deviceToken:    cfg.DB.Map("userdeviceid_token"),
		deviceMetadata: cfg.DB.Map("userdeviceid_metadata"),
		tokenDevice:    cfg.DB.Map("token_userdeviceid"),

		filters:      cfg.DB.Map("userfilterid_filter"),
		txnResponses: cfg.DB.Map("userdevicetxnid_response"),
		toDevice:     cfg.DB.Map("todeviceid_events"),

		accountData:      cfg.DB.Map("roomuserdataid_accountdata"),
		accountDataIndex: cfg.DB.Map("roomusertype_roomuserdataid"),
	}
}

// Create registers an account. An empty password leaves the account
// unable to log in, which is how appservice-owned users are created.
func (s *Service) Create(ctx context.Context, user ref.UserID, password string) error {
	if err := s.SetPassword(ctx, user, password); err != nil {
		return err
	}
	s.logger.Info("account created", "user", user.String())
	return nil
}

// Exists reports whether the account was ever created, deactivated or
// not.
func (s *Service) Exists(ctx context.Context, user ref.UserID) (bool, error) {
	return s.password.Has(ctx, []byte(user.String()))
}

// IsDeactivated reports whether the account exists but can no longer
// log in.
func (s *Service) IsDeactivated(ctx context.Context, user ref.UserID) (bool, error) {
	hash, err := s.password.Get(ctx, []byte(user.String()))
	if err != nil {
		return false, err
	}
	if hash == nil {
		return false, ErrUserNotFound
	}
	return len(hash) == 0, nil
}

// IsActive reports whether the account exists and may log in.
func (s *Service) IsActive(ctx context.Context, user ref.UserID) bool {
	deactivated, err := s.IsDeactivated(ctx, user)
	return err == nil && !deactivated
}

// IsActiveLocal reports whether the account is ours and active.
func (s *Service) IsActiveLocal(ctx context.Context, user ref.UserID) bool {
	return s.globals.UserIsLocal(user) && s.IsActive(ctx, user)
}

// Deactivate removes every device and clears the password. An empty
// stored value marks the account deactivated; hashes are never empty.
func (s *Service) Deactivate(ctx context.Context, user ref.UserID) error {
	devices, err := s.Devices(ctx, user)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if err := s.RemoveDevice(ctx, user, device.ID); err != nil {
			return err
		}
	}
	if err := s.password.Put(ctx, []byte(user.String()), nil); err != nil {
		return err
	}
	s.logger.Info("account deactivated", "user", user.String())
	return nil
}

// SetPassword hashes and stores a new password. An empty password
// deactivates login for the account.
func (s *Service) SetPassword(ctx context.Context, user ref.UserID, password string) error {
	if password == "" {
		return s.password.Put(ctx, []byte(user.String()), nil)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return s.password.Put(ctx, []byte(user.String()), []byte(hash))
}

// VerifyPassword checks a login password. It returns
// ErrInvalidPassword on mismatch and ErrUserNotFound for missing or
// deactivated accounts.
func (s *Service) VerifyPassword(ctx context.Context, user ref.UserID, password string) error {
	hash, err := s.password.Get(ctx, []byte(user.String()))
	if err != nil {
		return err
	}
	if len(hash) == 0 {
		return ErrUserNotFound
	}
	return verifyPassword(string(hash), password)
}

// Count returns the number of accounts ever registered.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.password.Count(ctx)
}

// ListLocal returns every account that can log in.
func (s *Service) ListLocal(ctx context.Context) ([]ref.UserID, error) {
	var out []ref.UserID
	err := s.password.ScanPrefix(ctx, nil, func(key, value []byte) error {
		if len(value) == 0 {
			return nil
		}
		user, err := ref.ParseUserID(string(key))
		if err != nil {
			return fmt.Errorf("users: stored user id %q: %w", key, err)
		}
		out = append(out, user)
		return nil
	})
	return out, err
}

// Displayname returns the profile displayname, empty when unset.
func (s *Service) Displayname(ctx context.Context, user ref.UserID) (string, error) {
	value, err := s.displayname.Get(ctx, []byte(user.String()))
	return string(value), err
}

// SetDisplayname stores the profile displayname. Empty removes it.
func (s *Service) SetDisplayname(ctx context.Context, user ref.UserID, name string) error {
	if name == "" {
		return s.displayname.Del(ctx, []byte(user.String()))
	}
	return s.displayname.Put(ctx, []byte(user.String()), []byte(name))
}

// AvatarURL returns the profile avatar mxc URL, empty when unset.
func (s *Service) AvatarURL(ctx context.Context, user ref.UserID) (string, error) {
	value, err := s.avatarURL.Get(ctx, []byte(user.String()))
	return string(value), err
}

// SetAvatarURL stores the profile avatar mxc URL. Empty removes it.
func (s *Service) SetAvatarURL(ctx context.Context, user ref.UserID, url string) error {
	if url == "" {
		return s.avatarURL.Del(ctx, []byte(user.String()))
	}
	return s.avatarURL.Put(ctx, []byte(user.String()), []byte(url))
}

// CreateFilter stores a sync filter and returns its id.
func (s *Service) CreateFilter(ctx context.Context, user ref.UserID, filter json.RawMessage) (string, error) {
	id, err := randomString(4)
	if err != nil {
		return "", err
	}
	key := database.JoinKey([]byte(user.String()), []byte(id))
	if err := s.filters.Put(ctx, key, filter); err != nil {
		return "", err
	}
	return id, nil
}

// Filter returns a stored sync filter, nil when unknown.
func (s *Service) Filter(ctx context.Context, user ref.UserID, id string) (json.RawMessage, error) {
	key := database.JoinKey([]byte(user.String()), []byte(id))
	value, err := s.filters.Get(ctx, key)
	return json.RawMessage(value), err
}

// TransactionResponse returns the stored response for an already
// handled client transaction, nil when the transaction is new.
func (s *Service) TransactionResponse(ctx context.Context, user ref.UserID, device ref.DeviceID, txnID string) (json.RawMessage, error) {
	value, err := s.txnResponses.Get(ctx, s.txnKey(user, device, txnID))
	return json.RawMessage(value), err
}

// SetTransactionResponse records the response for a client
// transaction so retries return the same body.
func (s *Service) SetTransactionResponse(ctx context.Context, user ref.UserID, device ref.DeviceID, txnID string, response json.RawMessage) error {
	return s.txnResponses.Put(ctx, s.txnKey(user, device, txnID), response)
}

func (s *Service) txnKey(user ref.UserID, device ref.DeviceID, txnID string) []byte {
	return database.JoinKey([]byte(user.String()), []byte(device.String()), []byte(txnID))
}

// randomString returns n characters of alphanumeric randomness.
func randomString(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("users: generating random string: %w", err)
	}
	for i, b := range raw {
		raw[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(raw), nil
}
