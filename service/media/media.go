// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package media is the content-addressed media store. Uploaded files
// land under the media directory named by the url-safe base64 of
// their BLAKE3 digest, so identical uploads share one file; metadata
// rows key the public media ID to the digest. Remote media is fetched
// through federation on first request and cached under the same
// scheme, bounded by a byte quota and a last-access retention sweep.
package media

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
)

// Meta is the stored description of one media item.
type Meta struct {
	// Hash is the url-safe base64 BLAKE3 digest naming the payload
	// file.
	Hash string `json:"hash"`

	// Size is the payload length in bytes.
	Size int64 `json:"size"`

	// ContentType is the sanitized MIME type, never empty.
	ContentType string `json:"content_type"`

	// Filename is the sanitized upload filename, may be empty.
	Filename string `json:"filename,omitempty"`

	// Remote marks media cached from another server. Remote entries
	// are subject to the quota and the retention sweep.
	Remote bool `json:"remote,omitempty"`

	// CreatedBy is the uploading local user, empty for remote media.
	CreatedBy string `json:"created_by,omitempty"`

	// CreatedAt is the unix second the entry was stored.
	CreatedAt int64 `json:"created_at"`
}

// Content is an opened media item. The caller closes File.
type Content struct {
	Meta Meta
	File *os.File
}

// Config carries the dependencies for New.
type Config struct {
	// DB is the keyspace engine. Required.
	DB *database.Engine

	// Server is the server configuration. Required.
	Server *config.Config

	// Globals supplies the server identity. Required.
	Globals *globals.Service

	// Federation fetches remote media. Required.
	Federation *federation.Client

	// Logger receives service logs. Required.
	Logger *slog.Logger

	// Clock abstracts time for last-access stamps and retention.
	// Defaults to the real clock.
	Clock clock.Clock
}

// Service is the media service.
type Service struct {
	logger     *slog.Logger
	server     *config.Config
	globals    *globals.Service
	federation *federation.Client
	clock      clock.Clock

	db     *database.Engine
	files  *database.Map
	access *database.Map
	dir    string

	// fetchMu serializes remote fetches so concurrent requests for
	// the same media do not download it twice.
	fetchMu sync.Mutex
}

// New builds the media service. The media directory must exist.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("media: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("media: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("media: Config.Globals is required")
	}
	if cfg.Federation == nil {
		panic("media: Config.Federation is required")
	}
	if cfg.Logger == nil {
		panic("media: Config.Logger is required")
	}

	s := &Service{
		logger:     cfg.Logger.With("component", "media"),
		server:     cfg.Server,
		globals:    cfg.Globals,
		federation: cfg.Federation,
		clock:      cfg.Clock,
		db:         cfg.DB,
		files:      cfg.DB.Map("mediaid_file"),
		access:     cfg.DB.Map("mediaid_lastaccess"),
		dir:        cfg.Server.Media.Path,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	return s
}

// newMediaID returns a fresh media ID: a UUIDv4 as 32 hex characters.
func newMediaID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func mediaKey(server ref.ServerName, id string) []byte {
	return database.JoinKey([]byte(server.String()), []byte(id))
}

// Upload stores a local user's upload and returns its media ID. The
// body is capped at the configured maximum request size.
func (s *Service) Upload(ctx context.Context, creator ref.UserID, contentType, filename string, body io.Reader) (string, error) {
	limit := s.server.MaxRequestSize

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("media: staging upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(body, limit+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("media: receiving upload: %w", err)
	}
	if written > limit {
		return "", matrix.NewError(http.StatusRequestEntityTooLarge, matrix.ErrCodeTooLarge,
			"upload exceeds the %d byte limit", limit)
	}

	hash := base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))
	if err := s.commitFile(tmp.Name(), hash); err != nil {
		return "", err
	}

	id := newMediaID()
	meta := Meta{
		Hash:        hash,
		Size:        written,
		ContentType: sanitizeContentType(contentType),
		Filename:    sanitizeFilename(filename),
		CreatedBy:   creator.String(),
		CreatedAt:   s.clock.Now().Unix(),
	}
	if err := s.putMeta(ctx, mediaKey(s.globals.ServerName(), id), &meta); err != nil {
		return "", err
	}
	s.logger.Debug("media uploaded",
		"media_id", id,
		"size", written,
		"content_type", meta.ContentType,
		"user", creator.String())
	return id, nil
}

// commitFile moves a staged payload into its content address. A file
// already at the address holds the same bytes, so the staging copy is
// simply discarded.
func (s *Service) commitFile(tmpPath, hash string) error {
	target := filepath.Join(s.dir, hash)
	if _, err := os.Stat(target); err == nil {
		return os.Remove(tmpPath)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("media: storing %s: %w", hash, err)
	}
	return nil
}

// putMeta writes the metadata row and the last-access stamp in one
// batch.
func (s *Service) putMeta(ctx context.Context, key []byte, meta *Meta) error {
	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("media: encoding metadata: %w", err)
	}
	batch := s.db.NewBatch()
	batch.Put(s.files, key, value)
	batch.Put(s.access, key, database.EncodeCounter(uint64(s.clock.Now().Unix())))
	return batch.Commit(ctx)
}

// meta loads the metadata row, (nil, nil) when absent.
func (s *Service) meta(ctx context.Context, server ref.ServerName, id string) (*Meta, error) {
	raw, err := s.files.Get(ctx, mediaKey(server, id))
	if err != nil || raw == nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("media: decoding metadata: %w", err)
	}
	return &meta, nil
}

// Download opens a media item, fetching it through federation first
// when it lives on another server. Each download refreshes the
// last-access stamp the retention sweep reads.
func (s *Service) Download(ctx context.Context, server ref.ServerName, id string) (*Content, error) {
	meta, err := s.meta(ctx, server, id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		if s.globals.ServerIsOurs(server) || !s.server.AllowFederation {
			return nil, matrix.NotFound("media %s not found", id)
		}
		meta, err = s.fetchRemote(ctx, server, id)
		if err != nil {
			return nil, err
		}
	}

	file, err := os.Open(filepath.Join(s.dir, meta.Hash))
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Error("media payload missing for stored metadata",
				"server", server.String(), "media_id", id, "hash", meta.Hash)
			return nil, matrix.NotFound("media %s not found", id)
		}
		return nil, fmt.Errorf("media: opening %s: %w", meta.Hash, err)
	}

	err = s.access.Put(ctx, mediaKey(server, id),
		database.EncodeCounter(uint64(s.clock.Now().Unix())))
	if err != nil {
		s.logger.Warn("updating media last-access", "media_id", id, "error", err)
	}
	return &Content{Meta: *meta, File: file}, nil
}

// Thumbnail serves a thumbnail request. Scaling is not implemented;
// the original payload answers every size, which clients downscale
// themselves.
func (s *Service) Thumbnail(ctx context.Context, server ref.ServerName, id string, width, height int) (*Content, error) {
	return s.Download(ctx, server, id)
}

// removeEntry deletes a metadata row and its last-access stamp, then
// removes the payload file if no other row references it.
func (s *Service) removeEntry(ctx context.Context, key []byte, hash string) error {
	batch := s.db.NewBatch()
	batch.Del(s.files, key)
	batch.Del(s.access, key)
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	referenced := false
	err := s.files.ScanPrefix(ctx, nil, func(k, v []byte) error {
		var meta Meta
		if json.Unmarshal(v, &meta) == nil && meta.Hash == hash {
			referenced = true
			return database.ErrStop
		}
		return nil
	})
	if err != nil {
		return err
	}
	if referenced {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("media: removing %s: %w", hash, err)
	}
	return nil
}
