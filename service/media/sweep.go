// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tototomate123/tuwunel/database"
)

// sweepOrphanAge is how old a payload file must be before the sweep
// treats a missing metadata row as permanent. An upload commits its
// file before its metadata, so fresh files get the benefit of the
// doubt.
const sweepOrphanAge = 24 * time.Hour

// SweepRetention runs the daily media maintenance: retire remote
// media unused past the retention window, enforce the remote cache
// quota, and remove stray payload and staging files. Returns how many
// metadata entries were removed.
func (s *Service) SweepRetention(ctx context.Context) (int, error) {
	removed := 0

	if days := s.server.Media.RetentionDays; days > 0 {
		cutoff := uint64(s.clock.Now().AddDate(0, 0, -days).Unix())

		stamps := make(map[string]uint64)
		err := s.access.ScanPrefix(ctx, nil, func(key, value []byte) error {
			stamps[string(key)] = database.CounterValue(value)
			return nil
		})
		if err != nil {
			return removed, err
		}

		var expired []remoteEntry
		err = s.files.ScanPrefix(ctx, nil, func(key, value []byte) error {
			var meta Meta
			if err := json.Unmarshal(value, &meta); err != nil || !meta.Remote {
				return nil
			}
			if stamps[string(key)] < cutoff {
				expired = append(expired, remoteEntry{key: key, hash: meta.Hash})
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		for _, entry := range expired {
			if err := s.removeEntry(ctx, entry.key, entry.hash); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if quota := s.server.Media.RemoteQuota; quota > 0 {
		evicted, err := s.evictForQuota(ctx, quota)
		removed += evicted
		if err != nil {
			return removed, err
		}
	}

	if err := s.sweepFiles(ctx); err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("media retention sweep", "removed", removed)
	}
	return removed, nil
}

// sweepFiles removes payload files no metadata references and staging
// files left behind by interrupted transfers. Only files older than
// sweepOrphanAge go, so in-flight work is never collected.
func (s *Service) sweepFiles(ctx context.Context) error {
	live := make(map[string]bool)
	err := s.files.ScanPrefix(ctx, nil, func(key, value []byte) error {
		var meta Meta
		if json.Unmarshal(value, &meta) == nil {
			live[meta.Hash] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	horizon := s.clock.Now().Add(-sweepOrphanAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		staging := strings.HasPrefix(name, ".")
		if !staging && live[name] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(horizon) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("removing stray media file", "file", name, "error", err)
			continue
		}
		s.logger.Debug("removed stray media file", "file", name, "staging", staging)
	}
	return nil
}
