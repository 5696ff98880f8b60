// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

func (s *Service) appserviceCommand() *Command {
	return &Command{
		Name:    "appservice",
		Summary: "manage appservice registrations",
		Subcommands: []*Command{
			{
				Name:    "register",
				Summary: "register an appservice from YAML",
				Description: "Registers the appservice whose registration YAML appears in the\n" +
					"fenced code block following the command line.",
				Run: s.cmdAppserviceRegister,
			},
			{
				Name:    "unregister",
				Summary: "remove a registration",
				Usage:   "appservice unregister <id>",
				Run:     s.cmdAppserviceUnregister,
			},
			{
				Name:    "list",
				Summary: "list registered appservices",
				Run:     s.cmdAppserviceList,
			},
			{
				Name:    "show",
				Summary: "show a registration's configuration",
				Usage:   "appservice show <id>",
				Run:     s.cmdAppserviceShow,
			},
		},
	}
}

func (s *Service) cmdAppserviceRegister(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: appservice register, with the registration YAML in a fenced code block")
	}
	block, err := cctx.CodeBlock()
	if err != nil {
		return err
	}
	info, err := s.appservice.Register(cctx, []byte(block))
	if err != nil {
		return err
	}
	cctx.Printf("Appservice registered with ID: %s\n", info.ID)
	return nil
}

func (s *Service) cmdAppserviceUnregister(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: appservice unregister <id>")
	}
	if err := s.appservice.Unregister(cctx, args[0]); err != nil {
		return err
	}
	cctx.Printf("Appservice unregistered.\n")
	return nil
}

func (s *Service) cmdAppserviceList(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: appservice list")
	}
	all := s.appservice.All()
	ids := make([]string, len(all))
	for i, info := range all {
		ids[i] = info.ID
	}
	cctx.Printf("Appservices (%d): %s\n", len(ids), strings.Join(ids, ", "))
	return nil
}

func (s *Service) cmdAppserviceShow(cctx *Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: appservice show <id>")
	}
	info, ok := s.appservice.Get(args[0])
	if !ok {
		return fmt.Errorf("appservice %q does not exist", args[0])
	}
	raw, err := yaml.Marshal(info.Registration)
	if err != nil {
		return err
	}
	cctx.Printf("Config for %s:\n```yaml\n%s```\n", info.ID, raw)
	return nil
}
