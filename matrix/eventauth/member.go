// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// checkRoomMember applies the m.room.member authorization rules for
// each membership transition.
func checkRoomMember(ctx context.Context, event *matrix.PDU, rules matrix.Rules, createEvent *matrix.PDU, state StateSource) error {
	if event.StateKey == nil {
		return fmt.Errorf("eventauth: missing state_key field for m.room.member event")
	}
	target, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return fmt.Errorf("eventauth: m.room.member state_key: %w", err)
	}

	var content matrix.MemberContent
	if err := event.ContentAs(&content); err != nil {
		return err
	}
	if content.Membership == "" {
		return fmt.Errorf("eventauth: missing membership field in m.room.member event")
	}

	creators, err := matrix.RoomCreators(createEvent, rules.Authorization)
	if err != nil {
		return err
	}
	currentPL, err := statePowerLevels(ctx, state, rules.Authorization)
	if err != nil {
		return err
	}

	senderMembership, err := userMembership(ctx, state, event.Sender)
	if err != nil {
		return err
	}
	targetMembership, err := userMembership(ctx, state, target)
	if err != nil {
		return err
	}
	senderLevel := userPowerLevel(currentPL, event.Sender, creators, rules.Authorization)
	targetLevel := userPowerLevel(currentPL, target, creators, rules.Authorization)

	switch content.Membership {
	case matrix.MembershipJoin:
		return checkMemberJoin(ctx, event, &content, rules, createEvent, target, creators,
			senderMembership, targetMembership, currentPL, state)

	case matrix.MembershipInvite:
		if content.ThirdPartyInvite != nil {
			return checkThirdPartyInvite(ctx, event, &content, target, targetMembership, state)
		}
		if senderMembership != matrix.MembershipJoin {
			return fmt.Errorf("eventauth: cannot invite without being in the room")
		}
		if targetMembership == matrix.MembershipJoin || targetMembership == matrix.MembershipBan {
			return fmt.Errorf("eventauth: cannot invite a user who is %s", targetMembership)
		}
		if inviteLevel := intFieldOrDefault(currentPL, fieldInvite); senderLevel < inviteLevel {
			return fmt.Errorf("eventauth: sender power %d below the invite level %d",
				senderLevel, inviteLevel)
		}
		return nil

	case matrix.MembershipLeave:
		if event.Sender == target {
			switch senderMembership {
			case matrix.MembershipInvite, matrix.MembershipJoin, matrix.MembershipKnock:
				return nil
			}
			return fmt.Errorf("eventauth: cannot leave a room without being invited, joined, or knocking")
		}
		if senderMembership != matrix.MembershipJoin {
			return fmt.Errorf("eventauth: cannot kick without being in the room")
		}
		if targetMembership == matrix.MembershipBan {
			if banLevel := intFieldOrDefault(currentPL, fieldBan); senderLevel < banLevel {
				return fmt.Errorf("eventauth: sender power %d below the ban level %d required to unban",
					senderLevel, banLevel)
			}
		}
		kickLevel := intFieldOrDefault(currentPL, fieldKick)
		if senderLevel >= kickLevel && targetLevel < senderLevel {
			return nil
		}
		return fmt.Errorf("eventauth: sender power %d cannot kick a user with power %d",
			senderLevel, targetLevel)

	case matrix.MembershipBan:
		if senderMembership != matrix.MembershipJoin {
			return fmt.Errorf("eventauth: cannot ban without being in the room")
		}
		banLevel := intFieldOrDefault(currentPL, fieldBan)
		if senderLevel >= banLevel && targetLevel < senderLevel {
			return nil
		}
		return fmt.Errorf("eventauth: sender power %d cannot ban a user with power %d",
			senderLevel, targetLevel)

	case matrix.MembershipKnock:
		if !rules.Authorization.Knocking {
			return fmt.Errorf("eventauth: knocking is not supported by this room version")
		}
		joinRule, err := stateJoinRule(ctx, state)
		if err != nil {
			return err
		}
		allowed := joinRule == matrix.JoinRuleKnock ||
			(rules.Authorization.KnockRestricted && joinRule == matrix.JoinRuleKnockRestricted)
		if !allowed {
			return fmt.Errorf("eventauth: join rule %q does not permit knocking", joinRule)
		}
		if event.Sender != target {
			return fmt.Errorf("eventauth: cannot knock on behalf of another user")
		}
		switch senderMembership {
		case matrix.MembershipBan, matrix.MembershipInvite, matrix.MembershipJoin:
			return fmt.Errorf("eventauth: cannot knock while %s", senderMembership)
		}
		return nil

	default:
		return fmt.Errorf("eventauth: unknown membership %q", content.Membership)
	}
}

func checkMemberJoin(ctx context.Context, event *matrix.PDU, content *matrix.MemberContent, rules matrix.Rules, createEvent *matrix.PDU, target ref.UserID, creators []ref.UserID, senderMembership, targetMembership string, currentPL *powerLevelsContent, state StateSource) error {
	// The creator's first join references only the create event.
	if len(event.PrevEvents) == 1 && event.PrevEvents[0] == createEvent.EventID {
		for _, creator := range creators {
			if creator == target {
				return nil
			}
		}
	}

	if event.Sender != target {
		return fmt.Errorf("eventauth: cannot join on behalf of another user")
	}
	if senderMembership == matrix.MembershipBan {
		return fmt.Errorf("eventauth: banned users cannot join")
	}

	joinRule, err := stateJoinRule(ctx, state)
	if err != nil {
		return err
	}
	switch {
	case joinRule == matrix.JoinRuleInvite,
		rules.Authorization.Knocking && joinRule == matrix.JoinRuleKnock:
		if targetMembership == matrix.MembershipInvite || targetMembership == matrix.MembershipJoin {
			return nil
		}
		return fmt.Errorf("eventauth: join rule %q requires an invite", joinRule)

	case rules.Authorization.RestrictedJoins && joinRule == matrix.JoinRuleRestricted,
		rules.Authorization.KnockRestricted && joinRule == matrix.JoinRuleKnockRestricted:
		if targetMembership == matrix.MembershipInvite || targetMembership == matrix.MembershipJoin {
			return nil
		}
		return checkRestrictedJoin(ctx, content, rules, creators, currentPL, state)

	case joinRule == matrix.JoinRulePublic:
		return nil

	default:
		return fmt.Errorf("eventauth: join rule %q does not permit joining", joinRule)
	}
}

// checkRestrictedJoin validates the authorising user of a restricted
// room join: they must be in the room with the power to invite. The
// server signature this claim carries is verified where the event
// signatures are.
func checkRestrictedJoin(ctx context.Context, content *matrix.MemberContent, rules matrix.Rules, creators []ref.UserID, currentPL *powerLevelsContent, state StateSource) error {
	if content.JoinAuthorisedViaUsersServer == "" {
		return fmt.Errorf("eventauth: restricted join carries no authorising user")
	}
	authUser, err := ref.ParseUserID(content.JoinAuthorisedViaUsersServer)
	if err != nil {
		return fmt.Errorf("eventauth: join_authorised_via_users_server: %w", err)
	}

	authMembership, err := userMembership(ctx, state, authUser)
	if err != nil {
		return err
	}
	if authMembership != matrix.MembershipJoin {
		return fmt.Errorf("eventauth: authorising user %s is not in the room", authUser)
	}

	authLevel := userPowerLevel(currentPL, authUser, creators, rules.Authorization)
	if inviteLevel := intFieldOrDefault(currentPL, fieldInvite); authLevel < inviteLevel {
		return fmt.Errorf("eventauth: authorising user %s cannot invite", authUser)
	}
	return nil
}

// checkThirdPartyInvite validates an invite claiming an
// m.room.third_party_invite: the signed block must name the target,
// reference a live token issued by the same sender, and carry a
// signature matching one of the token's published keys.
func checkThirdPartyInvite(ctx context.Context, event *matrix.PDU, content *matrix.MemberContent, target ref.UserID, targetMembership string, state StateSource) error {
	if targetMembership == matrix.MembershipBan {
		return fmt.Errorf("eventauth: cannot invite a banned user")
	}

	if len(content.ThirdPartyInvite.Signed) == 0 {
		return fmt.Errorf("eventauth: third_party_invite has no signed field")
	}
	var signed struct {
		MXID  string `json:"mxid"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(content.ThirdPartyInvite.Signed, &signed); err != nil {
		return fmt.Errorf("eventauth: third_party_invite.signed: %w", err)
	}
	if signed.MXID == "" || signed.Token == "" {
		return fmt.Errorf("eventauth: third_party_invite.signed lacks mxid or token")
	}
	if signed.MXID != target.String() {
		return fmt.Errorf("eventauth: third_party_invite mxid does not match the invited user")
	}

	inviteEvent, err := state.StateEvent(ctx, matrix.TypeThirdPartyInvite, signed.Token)
	if err != nil {
		return err
	}
	if inviteEvent == nil {
		return fmt.Errorf("eventauth: no m.room.third_party_invite event for token %q", signed.Token)
	}
	if inviteEvent.Sender != event.Sender {
		return fmt.Errorf("eventauth: third_party_invite was issued by a different sender")
	}

	return verifyThirdPartySignature(content.ThirdPartyInvite.Signed, inviteEvent.Content)
}

func verifyThirdPartySignature(signedRaw, inviteContent json.RawMessage) error {
	signed, err := canonicaljson.Decode(signedRaw)
	if err != nil {
		return fmt.Errorf("eventauth: third_party_invite.signed: %w", err)
	}
	signatures := canonicaljson.Child(signed, "signatures")
	if signatures == nil {
		return fmt.Errorf("eventauth: third_party_invite.signed has no signatures")
	}

	unsigned := canonicaljson.CopyObject(signed)
	delete(unsigned, "signatures")
	message, err := canonicaljson.Encode(unsigned)
	if err != nil {
		return err
	}

	var keys struct {
		PublicKey  string `json:"public_key"`
		PublicKeys []struct {
			PublicKey string `json:"public_key"`
		} `json:"public_keys"`
	}
	if err := json.Unmarshal(inviteContent, &keys); err != nil {
		return fmt.Errorf("eventauth: m.room.third_party_invite content: %w", err)
	}
	candidates := make([]string, 0, len(keys.PublicKeys)+1)
	if keys.PublicKey != "" {
		candidates = append(candidates, keys.PublicKey)
	}
	for _, k := range keys.PublicKeys {
		if k.PublicKey != "" {
			candidates = append(candidates, k.PublicKey)
		}
	}

	for _, serverSigs := range signatures {
		sigMap, ok := serverSigs.(map[string]any)
		if !ok {
			continue
		}
		for _, rawSig := range sigMap {
			sigB64, ok := rawSig.(string)
			if !ok {
				continue
			}
			sig, err := canonicaljson.Base64.DecodeString(sigB64)
			if err != nil {
				continue
			}
			for _, candidate := range candidates {
				pub, err := canonicaljson.Base64.DecodeString(candidate)
				if err != nil || len(pub) != ed25519.PublicKeySize {
					continue
				}
				if ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("eventauth: no third_party_invite signature matches a published key")
}

// stateJoinRule returns the room's join rule, defaulting to invite
// without an m.room.join_rules event.
func stateJoinRule(ctx context.Context, state StateSource) (string, error) {
	event, err := state.StateEvent(ctx, matrix.TypeJoinRules, "")
	if err != nil {
		return "", err
	}
	if event == nil {
		return matrix.JoinRuleInvite, nil
	}
	var content matrix.JoinRulesContent
	if err := event.ContentAs(&content); err != nil {
		return "", err
	}
	if content.JoinRule == "" {
		return "", fmt.Errorf("eventauth: missing join_rule field in m.room.join_rules event")
	}
	return content.JoinRule, nil
}
