// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

// MapNames lists every keyspace in the database. Open creates one
// kv_<name> table per entry; Engine.Map only accepts names from this
// list. Names describe the key → value shape: a map called a_b is
// keyed by a and stores b.
var MapNames = []string{
	// Server-global state: the sequence counter (key "c"), the
	// server's signing keypair, and cached signing key documents of
	// remote servers.
	"global",
	"server_signingkeys",

	// Accounts, devices, and tokens.
	"userid_password",
	"userid_displayname",
	"userid_avatarurl",
	"userdeviceid_token",
	"userdeviceid_metadata",
	"token_userdeviceid",
	"userfilterid_filter",
	"userdevicetxnid_response",
	"todeviceid_events",

	// Account data, global (empty room segment) and per-room.
	"roomuserdataid_accountdata",
	"roomusertype_roomuserdataid",

	// Interned short ids. Event IDs, room IDs, state keys, and state
	// hashes are replaced by u64s everywhere hot.
	"eventid_shorteventid",
	"shorteventid_eventid",
	"statekey_shortstatekey",
	"shortstatekey_statekey",
	"roomid_shortroomid",
	"statehash_shortstatehash",

	// Room aliases and the local public room directory.
	"alias_roomid",
	"aliasid_alias",
	"publicroomids",

	// Room moderation flags.
	"disabledroomids",
	"bannedroomids",

	// Room state: current snapshot per room, per-snapshot delta
	// against its parent, snapshot at each state event, and forward
	// extremities.
	"roomid_shortstatehash",
	"shortstatehash_statediff",
	"shorteventid_shortstatehash",
	"roomid_pduleaves",

	// Membership bookkeeping, both directions, plus counts and the
	// room/server indexes federation fan-out reads.
	"userroomid_joined",
	"roomuserid_joined",
	"userroomid_invitestate",
	"roomuserid_invitecount",
	"userroomid_leftstate",
	"roomuserid_leftcount",
	"userroomid_knockedstate",
	"roomuserid_knockedcount",
	"roomuseroncejoinedids",
	"roomid_joinedcount",
	"roomid_invitedcount",
	"roomserverids",
	"serverroomids",
	"userroomid_notificationcount",
	"userroomid_highlightcount",

	// Timeline: PDUs under shortroomid ++ count, the event-id index
	// into them, and outliers stored by event ID alone.
	"pduid_pdu",
	"eventid_pduid",
	"eventid_outlierpdu",

	// PDU metadata: prev-event references, soft-failed marks, and the
	// event-relation index.
	"referencedevents",
	"softfailedeventids",
	"tofrom_relation",

	// Auth chain closure cache, bucketed by shorteventid.
	"shorteventid_authchain",

	// Read receipts.
	"readreceiptid_readreceipt",
	"roomuserid_privateread",
	"roomuserid_lastprivatereadupdate",

	// Message body search index: shortroomid ++ token 0xFF pduid.
	"tokenids",

	// Outbound federation queues and EDU counters.
	"servername_educount",
	"servernameevent_data",
	"servercurrentevent_data",

	// Appservice registrations stored through the admin interface.
	// Directory-loaded registrations live on disk, not here.
	"id_appserviceregistrations",

	// Server name resolution cache (well-known and SRV results,
	// positive and negative).
	"servername_destination",

	// Media metadata and last-access times for retention.
	"mediaid_file",
	"mediaid_lastaccess",
}
