// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package globals holds state shared by every other service: the
// server's identity, the global sequence counter, and the signing key.
package globals

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// counterKey stores the last dispatched sequence number in the global
// map as a big-endian u64.
var counterKey = []byte("c")

var versionKey = []byte("version")

// Config configures the globals service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Server is the homeserver configuration. Required.
	Server *config.Config

	// Logger receives service logs. Required.
	Logger *slog.Logger
}

// Service is the globals service.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	global *database.Map

	counter *Counter
	key     SigningKey

	serverName ref.ServerName
	serverUser ref.UserID
	adminAlias ref.RoomAlias

	defaultRoomVersion matrix.RoomVersion
	forbiddenUsers     []*regexp.Regexp
	forbiddenAliases   []*regexp.Regexp
}

// New loads or initializes the server identity and sequence counter.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.DB == nil {
		panic("globals: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("globals: Config.Server is required")
	}
	if cfg.Logger == nil {
		panic("globals: Config.Logger is required")
	}

	serverName, err := ref.ParseServerName(cfg.Server.ServerName)
	if err != nil {
		return nil, fmt.Errorf("globals: server_name: %w", err)
	}
	serverUser, err := ref.NewUserID("conduit", serverName)
	if err != nil {
		return nil, fmt.Errorf("globals: server user: %w", err)
	}
	adminAlias, err := ref.NewRoomAlias("admins", serverName)
	if err != nil {
		return nil, fmt.Errorf("globals: admin alias: %w", err)
	}

	s := &Service{
		cfg:        cfg.Server,
		logger:     cfg.Logger,
		global:     cfg.DB.Map("global"),
		serverName: serverName,
		serverUser: serverUser,
		adminAlias: adminAlias,

		defaultRoomVersion: matrix.RoomVersion(cfg.Server.DefaultRoomVersion),
	}
	if !s.SupportsRoomVersion(s.defaultRoomVersion) {
		return nil, fmt.Errorf("globals: default_room_version %q is not supported", s.defaultRoomVersion)
	}

	s.forbiddenUsers, err = compilePatterns(cfg.Server.ForbiddenUsernames)
	if err != nil {
		return nil, fmt.Errorf("globals: forbidden_usernames: %w", err)
	}
	s.forbiddenAliases, err = compilePatterns(cfg.Server.ForbiddenAliasNames)
	if err != nil {
		return nil, fmt.Errorf("globals: forbidden_alias_names: %w", err)
	}

	count, err := s.storedCount(ctx)
	if err != nil {
		return nil, err
	}
	s.counter = newCounter(count, func(ctx context.Context, id uint64) error {
		return s.global.Put(ctx, counterKey, database.EncodeCounter(id))
	})

	s.key, err = loadOrGenerateKey(ctx, s.global)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info("server identity loaded",
		"server_name", serverName.String(),
		"key_id", s.key.ID.String(),
		"sequence", count)
	return s, nil
}

func (s *Service) storedCount(ctx context.Context) (uint64, error) {
	raw, err := s.global.Get(ctx, counterKey)
	if err != nil {
		return 0, fmt.Errorf("globals: reading sequence counter: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("globals: stored sequence counter is %d bytes, want 8", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Next dispatches the following global sequence number. The returned
// permit must be released once the writes stamped with it are
// committed.
func (s *Service) Next(ctx context.Context) (*Permit, error) {
	return s.counter.Next(ctx)
}

// Current returns the highest sequence number safe for readers.
func (s *Service) Current() uint64 {
	return s.counter.Current()
}

// WaitCount blocks until the retired watermark reaches count.
func (s *Service) WaitCount(ctx context.Context, count uint64) (uint64, error) {
	return s.counter.WaitCount(ctx, count)
}

// WaitPending blocks until every sequence number dispatched before the
// call has retired. Sync responses call this so they never observe a
// counter value whose writes are still in flight.
func (s *Service) WaitPending(ctx context.Context) (uint64, error) {
	return s.counter.WaitPending(ctx)
}

// ServerName returns the configured server name.
func (s *Service) ServerName() ref.ServerName { return s.serverName }

// ServerUser returns @conduit:server, the account the server itself
// acts as in the admin room.
func (s *Service) ServerUser() ref.UserID { return s.serverUser }

// AdminAlias returns #admins:server.
func (s *Service) AdminAlias() ref.RoomAlias { return s.adminAlias }

// SigningKey returns the server's ed25519 signing key.
func (s *Service) SigningKey() SigningKey { return s.key }

// UserIsLocal reports whether the user belongs to this server.
func (s *Service) UserIsLocal(user ref.UserID) bool {
	return s.ServerIsOurs(user.Server())
}

// ServerIsOurs reports whether the server name is our own.
func (s *Service) ServerIsOurs(server ref.ServerName) bool {
	return server == s.serverName
}

// DefaultRoomVersion returns the room version for newly created rooms.
func (s *Service) DefaultRoomVersion() matrix.RoomVersion {
	return s.defaultRoomVersion
}

// SupportsRoomVersion reports whether rooms of the given version may
// be created or joined.
func (s *Service) SupportsRoomVersion(version matrix.RoomVersion) bool {
	stability, ok := matrix.AvailableRoomVersions()[version]
	if !ok {
		return false
	}
	return stability == matrix.StabilityStable || s.cfg.AllowUnstableRoomVersions
}

// SupportedRoomVersions lists every version SupportsRoomVersion
// accepts.
func (s *Service) SupportedRoomVersions() []matrix.RoomVersion {
	out := make([]matrix.RoomVersion, 0, len(matrix.StableRoomVersions))
	out = append(out, matrix.StableRoomVersions...)
	if s.cfg.AllowUnstableRoomVersions {
		out = append(out, matrix.UnstableRoomVersions...)
	}
	return out
}

// RegistrationToken returns the shared registration secret, empty when
// registration is not token-gated.
func (s *Service) RegistrationToken() string {
	return s.cfg.RegistrationToken
}

// TurnSecret returns the TURN shared secret.
func (s *Service) TurnSecret() string {
	return s.cfg.Turn.Secret
}

// ForbiddenUsername reports whether the localpart matches a configured
// forbidden username pattern.
func (s *Service) ForbiddenUsername(localpart string) bool {
	return matchesAny(s.forbiddenUsers, localpart)
}

// ForbiddenAlias reports whether the alias localpart matches a
// configured forbidden alias pattern.
func (s *Service) ForbiddenAlias(localpart string) bool {
	return matchesAny(s.forbiddenAliases, localpart)
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// DatabaseVersion returns the stored schema version, zero for a fresh
// database.
func (s *Service) DatabaseVersion(ctx context.Context) (uint64, error) {
	raw, err := s.global.Get(ctx, versionKey)
	if err != nil {
		return 0, fmt.Errorf("globals: reading database version: %w", err)
	}
	return database.CounterValue(raw), nil
}

// BumpDatabaseVersion records a completed migration.
func (s *Service) BumpDatabaseVersion(ctx context.Context, version uint64) error {
	if err := s.global.Put(ctx, versionKey, database.EncodeCounter(version)); err != nil {
		return fmt.Errorf("globals: storing database version: %w", err)
	}
	return nil
}
