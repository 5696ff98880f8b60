// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"fmt"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

func (s *Service) debugCommand() *Command {
	return &Command{
		Name:    "debug",
		Summary: "event-level debugging",
		Subcommands: []*Command{
			{
				Name:    "get-pdu",
				Summary: "dump a stored event",
				Usage:   "debug get-pdu <event_id>",
				Run:     s.cmdDebugGetPDU,
			},
			{
				Name:    "get-remote-pdu",
				Summary: "fetch an event from another server",
				Usage:   "debug get-remote-pdu <server_name> <event_id>",
				Run:     s.cmdDebugGetRemotePDU,
			},
			{
				Name:    "parse-pdu",
				Summary: "parse event JSON and compute its event id",
				Description: "Parses the event JSON in the fenced code block following the\n" +
					"command line. When the event carries a room_id of a known room,\n" +
					"that room's version rules apply; otherwise the server default.",
				Run: s.cmdDebugParsePDU,
			},
			{
				Name:    "verify-json",
				Summary: "check a server's signature on a JSON object",
				Usage:   "debug verify-json <server_name>",
				Run:     s.cmdDebugVerifyJSON,
			},
		},
	}
}

func (s *Service) cmdDebugGetPDU(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: debug get-pdu <event_id>")
	}
	event, err := ref.ParseEventID(args[0])
	if err != nil {
		return fmt.Errorf("invalid event id %q: %v", args[0], err)
	}
	pdu, err := s.rooms.PDUByID(cctx, event)
	if err != nil {
		return err
	}
	if pdu == nil {
		return fmt.Errorf("event %s is not known to this server", event)
	}
	inTimeline, err := s.rooms.InTimeline(cctx, event)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(pdu, "", "  ")
	if err != nil {
		return err
	}
	where := "outlier"
	if inTimeline {
		where = "timeline event"
	}
	cctx.Printf("Found PDU (%s):\n```json\n%s\n```\n", where, raw)
	return nil
}

func (s *Service) cmdDebugGetRemotePDU(cctx *Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: debug get-remote-pdu <server_name> <event_id>")
	}
	server, err := ref.ParseServerName(args[0])
	if err != nil {
		return fmt.Errorf("invalid server name %q: %v", args[0], err)
	}
	event, err := ref.ParseEventID(args[1])
	if err != nil {
		return fmt.Errorf("invalid event id %q: %v", args[1], err)
	}

	var response struct {
		Origin         string            `json:"origin"`
		OriginServerTS int64             `json:"origin_server_ts"`
		PDUs           []json.RawMessage `json:"pdus"`
	}
	path := "/_matrix/federation/v1/event/" + event.String()
	if err := s.federation.Get(cctx, server, path, &response); err != nil {
		return fmt.Errorf("fetching %s from %s: %w", event, server, err)
	}
	if len(response.PDUs) == 0 {
		return fmt.Errorf("%s returned no event for %s", server, event)
	}

	pretty, err := prettyJSON(response.PDUs[0])
	if err != nil {
		return err
	}
	cctx.Printf("Got PDU from %s:\n```json\n%s\n```\n", server, pretty)
	return nil
}

func (s *Service) cmdDebugParsePDU(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: debug parse-pdu, with the event JSON in a fenced code block")
	}
	block, err := cctx.CodeBlock()
	if err != nil {
		return err
	}

	rules, err := s.rulesForRaw(cctx, []byte(block))
	if err != nil {
		return err
	}
	pdu, _, err := matrix.ParseIncomingPDU([]byte(block), rules)
	if err != nil {
		return fmt.Errorf("parsing event: %w", err)
	}

	raw, err := json.MarshalIndent(pdu, "", "  ")
	if err != nil {
		return err
	}
	cctx.Printf("Event ID: `%s`\n```json\n%s\n```\n", pdu.EventID, raw)
	return nil
}

// rulesForRaw picks the rule tables for loose event JSON: the room's
// own rules when the event names a known room, the server default
// otherwise.
func (s *Service) rulesForRaw(cctx *Context, raw []byte) (matrix.Rules, error) {
	var probe struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return matrix.Rules{}, fmt.Errorf("invalid JSON: %v", err)
	}
	if probe.RoomID != "" {
		room, err := ref.ParseRoomID(probe.RoomID)
		if err == nil {
			if exists, err := s.rooms.RoomExists(cctx, room); err == nil && exists {
				return s.rooms.RoomRules(cctx, room)
			}
		}
	}
	return matrix.RulesFor(s.globals.DefaultRoomVersion())
}

func (s *Service) cmdDebugVerifyJSON(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: debug verify-json <server_name>, with the JSON in a fenced code block")
	}
	server, err := ref.ParseServerName(args[0])
	if err != nil {
		return fmt.Errorf("invalid server name %q: %v", args[0], err)
	}
	block, err := cctx.CodeBlock()
	if err != nil {
		return err
	}
	obj, err := canonicaljson.Decode([]byte(block))
	if err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if err := s.keys.VerifyJSON(cctx, obj, server); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	cctx.Printf("Signature verification succeeded.\n")
	return nil
}
