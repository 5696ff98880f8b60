// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the tuwunel command tree. The root command
// serves the homeserver; the few subcommands and flags cover version
// output, configuration overrides, and offline maintenance.
package commands

import (
	"context"
	"fmt"

	"github.com/tototomate123/tuwunel/cmd/tuwunel/cli"
	"github.com/tototomate123/tuwunel/lib/version"
)

// Root builds the tuwunel command tree. Executing the root command
// with no subcommand loads the configuration and serves.
func Root() *cli.Command {
	opts := &serveOptions{}
	return &cli.Command{
		Name:    "tuwunel",
		Summary: "a Matrix homeserver",
		Description: "Tuwunel: a Matrix homeserver.\n\n" +
			"Without a subcommand, tuwunel loads its configuration and serves\n" +
			"the Matrix client-server and server-server APIs until terminated.",
		Usage: "tuwunel [flags]",
		Flags: opts.flags,
		Run:   opts.run,
		Subcommands: []*cli.Command{
			{
				Name:    "version",
				Summary: "print detailed version information",
				Run: func(_ context.Context, _ []string) error {
					fmt.Printf("tuwunel %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Serve with a configuration file",
				Command:     "tuwunel -c /etc/tuwunel/tuwunel.yaml",
			},
			{
				Description: "Override one option for this run",
				Command:     "tuwunel -c tuwunel.yaml -O log.level=debug",
			},
			{
				Description: "Open the admin console alongside the server",
				Command:     "tuwunel -c tuwunel.yaml --console",
			},
			{
				Description: "Check database integrity without serving",
				Command:     "tuwunel -c tuwunel.yaml --maintenance",
			},
			{
				Description: "Create an account without starting listeners",
				Command:     `tuwunel -c tuwunel.yaml --maintenance --execute "user create alice"`,
			},
		},
	}
}
