// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"zombiezen.com/go/sqlite/sqlitex"
)

// BackupOptions control Engine.Backup.
type BackupOptions struct {
	// Directory receives the backup artifacts. Created with mode
	// 0700 if missing.
	Directory string

	// Recipient is an age X25519 public key (age1... format). When
	// set, the compressed snapshot is encrypted to it and the
	// payload gains an .age suffix. Empty disables encryption.
	Recipient string

	// KeepCount prunes older backups in Directory beyond this many
	// after a successful backup. Zero keeps everything.
	KeepCount int
}

// BackupInfo describes one backup found in a backup directory.
type BackupInfo struct {
	// Path is the payload file (compressed, possibly encrypted
	// snapshot).
	Path string

	// ManifestPath is the CBOR manifest beside the payload.
	ManifestPath string

	// CreatedAt is when the backup was taken.
	CreatedAt time.Time

	// SourceBytes is the size of the uncompressed snapshot.
	SourceBytes int64

	// PayloadBytes is the size of the payload file.
	PayloadBytes int64

	// Encrypted reports whether the payload is age-encrypted.
	Encrypted bool

	// Digest is the BLAKE3-256 digest of the payload file, for
	// verifying the artifact without opening it.
	Digest []byte
}

// backupManifest is the CBOR document written beside every payload.
type backupManifest struct {
	Version      int    `cbor:"version"`
	Created      int64  `cbor:"created"`
	SourceBytes  int64  `cbor:"source_bytes"`
	PayloadBytes int64  `cbor:"payload_bytes"`
	Compression  string `cbor:"compression"`
	Encrypted    bool   `cbor:"encrypted"`
	Digest       []byte `cbor:"digest"`
}

// cborEncMode uses Core Deterministic Encoding so the same manifest
// always produces identical bytes.
var cborEncMode cbor.EncMode

// cborDecMode accepts standard CBOR.
var cborDecMode cbor.DecMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("database: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("database: CBOR decoder initialization failed: " + err.Error())
	}
}

// Backup snapshots the live database with VACUUM INTO, compresses the
// snapshot with zstd, optionally encrypts it, and writes a manifest
// recording sizes and the payload digest. Readers and writers keep
// running; the snapshot sees a consistent point-in-time state.
func (e *Engine) Backup(ctx context.Context, opts BackupOptions) (*BackupInfo, error) {
	if opts.Directory == "" {
		return nil, fmt.Errorf("database: backup: Directory is required")
	}
	var recipient age.Recipient
	if opts.Recipient != "" {
		parsed, err := age.ParseX25519Recipient(opts.Recipient)
		if err != nil {
			return nil, fmt.Errorf("database: backup recipient: %w", err)
		}
		recipient = parsed
	}
	if err := os.MkdirAll(opts.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("database: backup: %w", err)
	}

	createdAt := time.Now().UTC()
	base := "tuwunel-" + createdAt.Format("20060102-150405.000000000")
	payloadName := base + ".db.zst"
	if recipient != nil {
		payloadName += ".age"
	}
	payloadPath := filepath.Join(opts.Directory, payloadName)
	manifestPath := filepath.Join(opts.Directory, base+".manifest.cbor")

	snapshotPath := filepath.Join(opts.Directory, base+".snapshot")
	defer os.Remove(snapshotPath)
	if err := e.snapshotInto(ctx, snapshotPath); err != nil {
		return nil, err
	}
	snapshotInfo, err := os.Stat(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("database: backup snapshot: %w", err)
	}

	digest, payloadBytes, err := writeBackupPayload(snapshotPath, payloadPath, recipient)
	if err != nil {
		_ = os.Remove(payloadPath)
		return nil, err
	}

	manifest := backupManifest{
		Version:      1,
		Created:      createdAt.Unix(),
		SourceBytes:  snapshotInfo.Size(),
		PayloadBytes: payloadBytes,
		Compression:  "zstd",
		Encrypted:    recipient != nil,
		Digest:       digest,
	}
	encoded, err := cborEncMode.Marshal(&manifest)
	if err != nil {
		_ = os.Remove(payloadPath)
		return nil, fmt.Errorf("database: encoding backup manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, encoded, 0o600); err != nil {
		_ = os.Remove(payloadPath)
		return nil, fmt.Errorf("database: writing backup manifest: %w", err)
	}

	e.logger.Info("database backup created",
		"path", payloadPath,
		"source_bytes", manifest.SourceBytes,
		"payload_bytes", manifest.PayloadBytes,
		"encrypted", manifest.Encrypted,
	)

	if opts.KeepCount > 0 {
		e.pruneBackups(opts.Directory, opts.KeepCount)
	}

	return &BackupInfo{
		Path:         payloadPath,
		ManifestPath: manifestPath,
		CreatedAt:    time.Unix(manifest.Created, 0).UTC(),
		SourceBytes:  manifest.SourceBytes,
		PayloadBytes: manifest.PayloadBytes,
		Encrypted:    manifest.Encrypted,
		Digest:       manifest.Digest,
	}, nil
}

// snapshotInto writes a consistent copy of the database to path via
// VACUUM INTO. The copy is compact (no free pages) and detached from
// the WAL.
func (e *Engine) snapshotInto(ctx context.Context, path string) error {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("database: backup snapshot: %w", err)
	}
	defer e.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, "VACUUM INTO ?", &sqlitex.ExecOptions{
		Args: []any{path},
	})
	if err != nil {
		return fmt.Errorf("database: backup snapshot: %w", err)
	}
	return nil
}

// writeBackupPayload streams the snapshot through zstd (and age when a
// recipient is given) into payloadPath, returning the BLAKE3 digest
// and size of the written file.
func writeBackupPayload(snapshotPath, payloadPath string, recipient age.Recipient) ([]byte, int64, error) {
	snapshot, err := os.Open(snapshotPath)
	if err != nil {
		return nil, 0, fmt.Errorf("database: backup payload: %w", err)
	}
	defer snapshot.Close()

	payload, err := os.Create(payloadPath)
	if err != nil {
		return nil, 0, fmt.Errorf("database: backup payload: %w", err)
	}

	hasher := blake3.New()
	var sink io.Writer = io.MultiWriter(payload, hasher)

	var encrypt io.WriteCloser
	if recipient != nil {
		encrypt, err = age.Encrypt(sink, recipient)
		if err != nil {
			payload.Close()
			return nil, 0, fmt.Errorf("database: backup encryption: %w", err)
		}
		sink = encrypt
	}

	compress, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		payload.Close()
		return nil, 0, fmt.Errorf("database: backup compression: %w", err)
	}

	if _, err := io.Copy(compress, snapshot); err != nil {
		compress.Close()
		payload.Close()
		return nil, 0, fmt.Errorf("database: backup payload: %w", err)
	}
	if err := compress.Close(); err != nil {
		payload.Close()
		return nil, 0, fmt.Errorf("database: backup compression: %w", err)
	}
	if encrypt != nil {
		if err := encrypt.Close(); err != nil {
			payload.Close()
			return nil, 0, fmt.Errorf("database: backup encryption: %w", err)
		}
	}
	if err := payload.Sync(); err != nil {
		payload.Close()
		return nil, 0, fmt.Errorf("database: backup payload: %w", err)
	}
	if err := payload.Close(); err != nil {
		return nil, 0, fmt.Errorf("database: backup payload: %w", err)
	}

	written, err := os.Stat(payloadPath)
	if err != nil {
		return nil, 0, fmt.Errorf("database: backup payload: %w", err)
	}
	return hasher.Sum(nil), written.Size(), nil
}

// ListBackups reads the manifests in a backup directory, oldest first.
func ListBackups(dir string) ([]BackupInfo, error) {
	manifests, err := filepath.Glob(filepath.Join(dir, "*.manifest.cbor"))
	if err != nil {
		return nil, fmt.Errorf("database: listing backups: %w", err)
	}
	// Payload names embed a fixed-width UTC timestamp, so lexical
	// order is chronological.
	sort.Strings(manifests)

	infos := make([]BackupInfo, 0, len(manifests))
	for _, manifestPath := range manifests {
		encoded, err := os.ReadFile(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("database: listing backups: %w", err)
		}
		var manifest backupManifest
		if err := cborDecMode.Unmarshal(encoded, &manifest); err != nil {
			return nil, fmt.Errorf("database: decoding %s: %w", filepath.Base(manifestPath), err)
		}

		payloadPath := strings.TrimSuffix(manifestPath, ".manifest.cbor") + ".db.zst"
		if manifest.Encrypted {
			payloadPath += ".age"
		}
		infos = append(infos, BackupInfo{
			Path:         payloadPath,
			ManifestPath: manifestPath,
			CreatedAt:    time.Unix(manifest.Created, 0).UTC(),
			SourceBytes:  manifest.SourceBytes,
			PayloadBytes: manifest.PayloadBytes,
			Encrypted:    manifest.Encrypted,
			Digest:       manifest.Digest,
		})
	}
	return infos, nil
}

// pruneBackups removes the oldest backups beyond keep. Failures are
// logged, never fatal; the backup that just succeeded matters more
// than the pruning.
func (e *Engine) pruneBackups(dir string, keep int) {
	infos, err := ListBackups(dir)
	if err != nil {
		e.logger.Warn("backup pruning skipped", "error", err)
		return
	}
	if len(infos) <= keep {
		return
	}
	for _, old := range infos[:len(infos)-keep] {
		_ = os.Remove(old.Path)
		_ = os.Remove(old.ManifestPath)
		e.logger.Info("old backup pruned", "path", old.Path)
	}
}
