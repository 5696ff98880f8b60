// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
)

// fetchRemote downloads media from its origin server and caches it
// locally. Remote media obeys the same size limit as uploads and, when
// a quota is configured, evicts the least recently accessed remote
// entries to make room.
func (s *Service) fetchRemote(ctx context.Context, server ref.ServerName, id string) (*Meta, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	// Another request may have fetched it while we waited.
	if meta, err := s.meta(ctx, server, id); err != nil || meta != nil {
		return meta, err
	}

	path := "/_matrix/media/v3/download/" +
		url.PathEscape(server.String()) + "/" + url.PathEscape(id)
	response, err := s.federation.DoRaw(ctx, server, path)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	limit := s.server.MaxRequestSize
	tmp, err := os.CreateTemp(s.dir, ".remote-*")
	if err != nil {
		return nil, fmt.Errorf("media: staging remote media: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(response.Body, limit+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("media: receiving remote media from %s: %w", server, err)
	}
	if written > limit {
		return nil, matrix.NewError(http.StatusRequestEntityTooLarge, matrix.ErrCodeTooLarge,
			"remote media exceeds the %d byte limit", limit)
	}

	if quota := s.server.Media.RemoteQuota; quota > 0 {
		if written > quota {
			return nil, matrix.NewError(http.StatusRequestEntityTooLarge, matrix.ErrCodeTooLarge,
				"remote media exceeds the %d byte cache quota", quota)
		}
		if _, err := s.evictForQuota(ctx, quota-written); err != nil {
			return nil, err
		}
	}

	hash := base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))
	if err := s.commitFile(tmp.Name(), hash); err != nil {
		return nil, err
	}

	meta := &Meta{
		Hash:        hash,
		Size:        written,
		ContentType: sanitizeContentType(response.Header.Get("Content-Type")),
		Filename:    filenameFromDisposition(response.Header.Get("Content-Disposition")),
		Remote:      true,
		CreatedAt:   s.clock.Now().Unix(),
	}
	if err := s.putMeta(ctx, mediaKey(server, id), meta); err != nil {
		return nil, err
	}
	s.logger.Debug("remote media cached",
		"server", server.String(),
		"media_id", id,
		"size", written,
		"content_type", meta.ContentType)
	return meta, nil
}

// remoteEntry pairs a cached remote row with its last-access stamp
// for eviction ordering.
type remoteEntry struct {
	key    []byte
	hash   string
	size   int64
	access uint64
}

// evictForQuota removes least recently accessed remote media until the
// cached remote bytes fit the budget. Returns how many entries were
// evicted.
func (s *Service) evictForQuota(ctx context.Context, budget int64) (int, error) {
	stamps := make(map[string]uint64)
	err := s.access.ScanPrefix(ctx, nil, func(key, value []byte) error {
		stamps[string(key)] = database.CounterValue(value)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var entries []remoteEntry
	var total int64
	err = s.files.ScanPrefix(ctx, nil, func(key, value []byte) error {
		var meta Meta
		if err := json.Unmarshal(value, &meta); err != nil || !meta.Remote {
			return nil
		}
		entries = append(entries, remoteEntry{
			key:    key,
			hash:   meta.Hash,
			size:   meta.Size,
			access: stamps[string(key)],
		})
		total += meta.Size
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total <= budget {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].access < entries[j].access })

	evicted := 0
	for _, entry := range entries {
		if total <= budget {
			break
		}
		if err := s.removeEntry(ctx, entry.key, entry.hash); err != nil {
			return evicted, err
		}
		total -= entry.size
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("evicted remote media for quota",
			"entries", evicted, "remaining_bytes", total)
	}
	return evicted, nil
}
