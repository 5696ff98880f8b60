// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tototomate123/tuwunel/lib/version"
)

func (s *Service) serverCommand() *Command {
	return &Command{
		Name:    "server",
		Summary: "inspect the running server",
		Subcommands: []*Command{
			{
				Name:    "status",
				Summary: "show uptime and totals",
				Run:     s.cmdServerStatus,
			},
			{
				Name:    "memory-usage",
				Summary: "show allocator and goroutine statistics",
				Run:     s.cmdServerMemoryUsage,
			},
			{
				Name:    "version",
				Summary: "show the server version",
				Run:     s.cmdServerVersion,
			},
			{
				Name:    "clear-caches",
				Summary: "drop cached federation destinations and remote signing keys",
				Run:     s.cmdServerClearCaches,
			},
		},
	}
}

func (s *Service) cmdServerStatus(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: server status")
	}
	userCount, err := s.users.Count(cctx)
	if err != nil {
		return err
	}
	allRooms, err := s.rooms.AllRooms(cctx)
	if err != nil {
		return err
	}
	dbSize, err := s.db.Size(cctx)
	if err != nil {
		return err
	}
	uptime := s.clock.Now().Sub(s.startedAt).Truncate(time.Second)

	cctx.Printf("Server %s:\n```\n", s.globals.ServerName())
	cctx.Printf("Version:       %s\n", version.Info())
	cctx.Printf("Uptime:        %s\n", uptime)
	cctx.Printf("Accounts:      %d\n", userCount)
	cctx.Printf("Rooms:         %d\n", len(allRooms))
	cctx.Printf("Appservices:   %d\n", s.appservice.Count())
	cctx.Printf("Database size: %s\n", humanize.Bytes(uint64(dbSize)))
	cctx.Printf("Federation:    %t\n", s.server.AllowFederation)
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdServerMemoryUsage(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: server memory-usage")
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	cctx.Printf("Memory usage:\n```\n")
	cctx.Printf("Heap in use:     %s\n", humanize.Bytes(stats.HeapInuse))
	cctx.Printf("Heap reserved:   %s\n", humanize.Bytes(stats.HeapSys))
	cctx.Printf("Heap objects:    %d\n", stats.HeapObjects)
	cctx.Printf("Stack in use:    %s\n", humanize.Bytes(stats.StackInuse))
	cctx.Printf("Total allocated: %s\n", humanize.Bytes(stats.TotalAlloc))
	cctx.Printf("GC cycles:       %d\n", stats.NumGC)
	cctx.Printf("Goroutines:      %d\n", runtime.NumGoroutine())
	cctx.Printf("```\n")
	return nil
}

func (s *Service) cmdServerVersion(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: server version")
	}
	cctx.Printf("```\n%s\n```\n", version.Full())
	return nil
}

func (s *Service) cmdServerClearCaches(cctx *Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: server clear-caches")
	}
	destinations, err := s.clearMap(cctx, "servername_destination")
	if err != nil {
		return err
	}
	keys, err := s.clearMap(cctx, "server_signingkeys")
	if err != nil {
		return err
	}
	cctx.Printf("Cleared %d cached destinations and %d cached key documents.\n", destinations, keys)
	return nil
}

// clearMap deletes every entry of a cache map and returns how many
// there were. Keys are collected before deleting so the scan never
// observes its own writes.
func (s *Service) clearMap(cctx *Context, name string) (int, error) {
	m := s.db.Map(name)
	var keys [][]byte
	err := m.ScanPrefix(cctx, nil, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	for _, key := range keys {
		batch.Del(m, key)
	}
	if err := batch.Commit(cctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}
