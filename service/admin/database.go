// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/hex"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/tototomate123/tuwunel/database"
)

func (s *Service) databaseCommand() *Command {
	return &Command{
		Name:    "database",
		Summary: "database maintenance",
		Subcommands: []*Command{
			{
				Name:    "backup",
				Summary: "take a backup now",
				Description: "Snapshots the database into the configured backup directory,\n" +
					"compressed and optionally age-encrypted.",
				Run: s.cmdDatabaseBackup,
			},
			{
				Name:    "check",
				Summary: "run an integrity check",
				Run:     s.cmdDatabaseCheck,
			},
			{
				Name:    "vacuum",
				Summary: "rebuild the database file to reclaim space",
				Run:     s.cmdDatabaseVacuum,
			},
			{
				Name:    "counter",
				Summary: "show the global event counter",
				Run:     s.cmdDatabaseCounter,
			},
		},
	}
}

func (s *Service) cmdDatabaseBackup(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: database backup")
	}
	info, err := s.db.Backup(cctx, database.BackupOptions{
		Directory: s.server.Database.Backup.Directory,
		Recipient: s.server.Database.Backup.Recipient,
		KeepCount: s.server.Database.Backup.KeepCount,
	})
	if err != nil {
		return err
	}
	cctx.Printf("Backup written:\n```\n")
	cctx.Printf("Payload:  %s\n", info.Path)
	cctx.Printf("Manifest: %s\n", info.ManifestPath)
	cctx.Printf("Size:     %s (from %s)\n",
		humanize.Bytes(uint64(info.PayloadBytes)), humanize.Bytes(uint64(info.SourceBytes)))
	cctx.Printf("Digest:   %s\n", hex.EncodeToString(info.Digest))
	cctx.Printf("Encrypted: %t\n", info.Encrypted)
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdDatabaseCheck(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: database check")
	}
	problems, err := s.db.IntegrityCheck(cctx)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		cctx.Printf("Integrity check passed.\n")
		return nil
	}
	cctx.Printf("Integrity check found %d problem(s):\n```\n", len(problems))
	for _, problem := range problems {
		cctx.Printf("%s\n", problem)
	}
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdDatabaseVacuum(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: database vacuum")
	}
	before, err := s.db.Size(cctx)
	if err != nil {
		return err
	}
	if err := s.db.Vacuum(cctx); err != nil {
		return err
	}
	after, err := s.db.Size(cctx)
	if err != nil {
		return err
	}
	cctx.Printf("Vacuum complete: %s -> %s\n",
		humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)))
	return nil
}

func (s *Service) cmdDatabaseCounter(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: database counter")
	}
	cctx.Printf("Global event counter: %d\n", s.globals.Current())
	return nil
}
