// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package serverkeys manages ed25519 event signing and verification.
// It signs locally created events and arbitrary JSON with this
// server's key, serves the key/v2/server document, and verifies
// remote events against signing keys cached in the database and
// fetched over federation when missing.
package serverkeys

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
)

// ownDocumentValidity is how far into the future our own key document
// claims validity.
const ownDocumentValidity = 24 * time.Hour

// fetchedValidityCap bounds how long a remote server can assert its
// own keys: the effective valid_until_ts is capped at seven days from
// fetch time.
const fetchedValidityCap = 7 * 24 * time.Hour

// Config holds the dependencies for the server keys service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server identity and signing key. Required.
	Globals *globals.Service

	// Federation fetches remote key documents. Required.
	Federation *federation.Client

	// Logger receives service logs. Required.
	Logger *slog.Logger

	// Clock abstracts time for validity windows. Defaults to the
	// real clock.
	Clock clock.Clock
}

// Service signs and verifies events and JSON objects.
type Service struct {
	logger     *slog.Logger
	globals    *globals.Service
	federation *federation.Client
	store      *database.Map
	trusted    []ref.ServerName
	clock      clock.Clock
}

// New builds the server keys service. Unparseable trusted_servers
// entries are rejected.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		panic("serverkeys: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("serverkeys: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("serverkeys: Config.Globals is required")
	}
	if cfg.Federation == nil {
		panic("serverkeys: Config.Federation is required")
	}
	if cfg.Logger == nil {
		panic("serverkeys: Config.Logger is required")
	}

	trusted := make([]ref.ServerName, 0, len(cfg.Server.TrustedServers))
	for _, raw := range cfg.Server.TrustedServers {
		server, err := ref.ParseServerName(raw)
		if err != nil {
			return nil, fmt.Errorf("serverkeys: trusted_servers: %w", err)
		}
		trusted = append(trusted, server)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Service{
		logger:     cfg.Logger,
		globals:    cfg.Globals,
		federation: cfg.Federation,
		store:      cfg.DB.Map("server_signingkeys"),
		trusted:    trusted,
		clock:      clk,
	}, nil
}

// SignJSON signs the object with this server's key, merging the
// signature into its signatures member.
func (s *Service) SignJSON(obj canonicaljson.Object) error {
	key := s.globals.SigningKey()
	if err := canonicaljson.Sign(obj, s.globals.ServerName().String(), key.ID.String(), key.Private); err != nil {
		return fmt.Errorf("serverkeys: signing json: %w", err)
	}
	return nil
}

// HashAndSignEvent adds the sha256 content hash to the event and
// signs it with this server's key. The signature covers the event
// redacted per the room version's rules, so later redaction does not
// invalidate it.
func (s *Service) HashAndSignEvent(event canonicaljson.Object, rules matrix.Rules) error {
	hash, err := canonicaljson.ContentHash(event)
	if err != nil {
		return fmt.Errorf("serverkeys: hashing event: %w", err)
	}
	event["hashes"] = canonicaljson.Object{
		"sha256": canonicaljson.Base64.EncodeToString(hash[:]),
	}

	redacted := canonicaljson.Redact(event, rules.Redaction)
	if err := s.SignJSON(redacted); err != nil {
		return err
	}
	event["signatures"] = redacted["signatures"]
	return nil
}

// GenerateEventIDHashAndSign completes a locally built event: it
// assigns the event ID, adds the content hash, and signs. Room
// versions 1 and 2 mint the ID before signing since their wire format
// carries it; later versions derive the ID from the reference hash of
// the finished event, so hashing and signing come first.
func (s *Service) GenerateEventIDHashAndSign(event canonicaljson.Object, rules matrix.Rules) (ref.EventID, error) {
	delete(event, "event_id")

	if rules.EventFormat.RequireEventID {
		eventID, err := matrix.GenerateEventID(event, rules)
		if err != nil {
			return ref.EventID{}, err
		}
		event["event_id"] = eventID.String()
		if err := s.HashAndSignEvent(event, rules); err != nil {
			return ref.EventID{}, err
		}
		return eventID, nil
	}

	if err := s.HashAndSignEvent(event, rules); err != nil {
		return ref.EventID{}, err
	}
	eventID, err := matrix.GenerateEventID(event, rules)
	if err != nil {
		return ref.EventID{}, err
	}
	event["event_id"] = eventID.String()
	return eventID, nil
}

// OwnDocument builds the signed key/v2/server document for this
// server.
func (s *Service) OwnDocument() (canonicaljson.Object, error) {
	key := s.globals.SigningKey()
	doc := canonicaljson.Object{
		"server_name":    s.globals.ServerName().String(),
		"valid_until_ts": s.clock.Now().Add(ownDocumentValidity).UnixMilli(),
		"verify_keys": canonicaljson.Object{
			key.ID.String(): canonicaljson.Object{
				"key": canonicaljson.Base64.EncodeToString(key.Public()),
			},
		},
		"old_verify_keys": canonicaljson.Object{},
	}
	if err := s.SignJSON(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
