// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tototomate123/tuwunel/lib/canonicaljson"
	"github.com/tototomate123/tuwunel/lib/ref"
)

func (s *Service) federationCommand() *Command {
	return &Command{
		Name:    "federation",
		Summary: "poke other servers",
		Subcommands: []*Command{
			{
				Name:    "fetch",
				Summary: "perform a signed federation GET and show the response",
				Usage:   "federation fetch <server_name> <path>",
				Examples: []Example{
					{
						Description: "Fetch a server's published version",
						Command:     "federation fetch matrix.org /_matrix/federation/v1/version",
					},
				},
				Run: s.cmdFederationFetch,
			},
			{
				Name:    "sign-json",
				Summary: "sign a JSON object with the server's key",
				Usage:   "federation sign-json",
				Description: "Signs the JSON object in the fenced code block following the\n" +
					"command line and prints the signed object.",
				Run: s.cmdFederationSignJSON,
			},
		},
	}
}

func (s *Service) cmdFederationFetch(cctx *Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: federation fetch <server_name> <path>")
	}
	server, err := ref.ParseServerName(args[0])
	if err != nil {
		return fmt.Errorf("invalid server name %q: %v", args[0], err)
	}
	path := args[1]
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must start with /")
	}

	var response json.RawMessage
	if err := s.federation.Get(cctx, server, path, &response); err != nil {
		return fmt.Errorf("fetching %s%s: %w", server, path, err)
	}

	pretty, err := prettyJSON(response)
	if err != nil {
		return err
	}
	cctx.Printf("Got JSON response:\n```json\n%s\n```\n", pretty)
	return nil
}

func (s *Service) cmdFederationSignJSON(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: federation sign-json, with the JSON in a fenced code block")
	}
	block, err := cctx.CodeBlock()
	if err != nil {
		return err
	}
	obj, err := canonicaljson.Decode([]byte(block))
	if err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if err := s.keys.SignJSON(obj); err != nil {
		return err
	}
	signed, err := canonicaljson.Encode(obj)
	if err != nil {
		return err
	}
	pretty, err := prettyJSON(signed)
	if err != nil {
		return err
	}
	cctx.Printf("```json\n%s\n```\n", pretty)
	return nil
}

// prettyJSON re-indents raw JSON for display.
func prettyJSON(raw []byte) (string, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return "", fmt.Errorf("formatting JSON: %w", err)
	}
	return out.String(), nil
}
