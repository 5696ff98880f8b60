// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package serverkeys

import (
	"context"
	"fmt"
	"slices"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// Verified is the outcome of a successful event verification.
type Verified int

const (
	// VerifiedAll means the signatures and the content hash all
	// check out.
	VerifiedAll Verified = iota

	// VerifiedSignatures means the signatures check out but the
	// content hash does not. The event must be redacted before use.
	VerifiedSignatures
)

// VerifyEvent checks an incoming event's signatures and content hash
// per its room version. Every required server must have a valid
// ed25519 signature over the redacted event: the sender's server
// (except for third-party invites), the event ID's server where event
// IDs carry one, and the server that authorized a restricted join.
func (s *Service) VerifyEvent(ctx context.Context, event canonicaljson.Object, rules matrix.Rules) (Verified, error) {
	servers, err := signatureServers(event, rules)
	if err != nil {
		return 0, err
	}

	redacted := canonicaljson.Redact(event, rules.Redaction)
	originTS := canonicaljson.Int(event, "origin_server_ts")
	for _, server := range servers {
		if err := s.verifySignatureFrom(ctx, redacted, server, originTS, rules.EnforceKeyValidity); err != nil {
			return 0, err
		}
	}

	if err := canonicaljson.CheckContentHash(event); err != nil {
		return VerifiedSignatures, nil
	}
	return VerifiedAll, nil
}

// VerifyJSON checks that the object carries a valid signature from
// the given server, resolving the key over federation when needed.
func (s *Service) VerifyJSON(ctx context.Context, obj canonicaljson.Object, server ref.ServerName) error {
	return s.verifySignatureFrom(ctx, obj, server, 0, false)
}

func (s *Service) verifySignatureFrom(ctx context.Context, obj canonicaljson.Object, server ref.ServerName, atTS int64, enforce bool) error {
	signatures := canonicaljson.Child(canonicaljson.Child(obj, "signatures"), server.String())
	if len(signatures) == 0 {
		return fmt.Errorf("serverkeys: no signature from %s", server)
	}

	var lastErr error
	for rawKeyID := range signatures {
		keyID, err := ref.ParseKeyID(rawKeyID)
		if err != nil || keyID.Algorithm() != "ed25519" {
			continue
		}
		pub, err := s.verifyKeyAt(ctx, server, keyID, atTS, enforce)
		if err != nil {
			lastErr = err
			continue
		}
		if err := canonicaljson.Verify(obj, server.String(), keyID.String(), pub); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("serverkeys: no ed25519 signature from %s", server)
	}
	return lastErr
}

// signatureServers lists the servers whose signatures the event must
// carry.
func signatureServers(event canonicaljson.Object, rules matrix.Rules) ([]ref.ServerName, error) {
	var servers []ref.ServerName
	add := func(server ref.ServerName) {
		if !slices.Contains(servers, server) {
			servers = append(servers, server)
		}
	}

	content := canonicaljson.Child(event, "content")
	isMember := canonicaljson.String(event, "type") == matrix.TypeMember
	thirdPartyInvite := isMember && content["third_party_invite"] != nil

	// Third-party invites are vouched for by the identity server,
	// not the sender's homeserver.
	if !thirdPartyInvite {
		sender, err := ref.ParseUserID(canonicaljson.String(event, "sender"))
		if err != nil {
			return nil, fmt.Errorf("serverkeys: event sender: %w", err)
		}
		add(sender.Server())
	}

	if rules.EventFormat.RequireEventID {
		eventID, err := ref.ParseEventID(canonicaljson.String(event, "event_id"))
		if err != nil {
			return nil, fmt.Errorf("serverkeys: event id: %w", err)
		}
		server, ok := eventID.Server()
		if !ok {
			return nil, fmt.Errorf("serverkeys: event id %s carries no server name", eventID)
		}
		add(server)
	}

	if isMember {
		if authorizer := canonicaljson.String(content, "join_authorised_via_users_server"); authorizer != "" {
			user, err := ref.ParseUserID(authorizer)
			if err != nil {
				return nil, fmt.Errorf("serverkeys: join_authorised_via_users_server: %w", err)
			}
			add(user.Server())
		}
	}
	return servers, nil
}
