// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/tototomate123/tuwunel/database"
)

// openSnapshot writes a restored database image to disk and opens an
// engine over it.
func openSnapshot(t *testing.T, image []byte) *database.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "restored.db")
	if err := os.WriteFile(path, image, 0o600); err != nil {
		t.Fatalf("writing restored image: %v", err)
	}
	engine, err := database.Open(context.Background(), database.Config{
		Path:     path,
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening restored image: %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Close(); err != nil {
			t.Errorf("closing restored engine: %v", err)
		}
	})
	return engine
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	if err := engine.Map("global").Put(ctx, []byte("k"), []byte("backup me")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dir := t.TempDir()
	info, err := engine.Backup(ctx, database.BackupOptions{Directory: dir})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if info.Encrypted {
		t.Error("backup without recipient marked encrypted")
	}
	if !strings.HasSuffix(info.Path, ".db.zst") {
		t.Errorf("payload path %q lacks .db.zst suffix", info.Path)
	}
	if !strings.HasSuffix(info.ManifestPath, ".manifest.cbor") {
		t.Errorf("manifest path %q lacks .manifest.cbor suffix", info.ManifestPath)
	}
	if info.SourceBytes <= 0 || info.PayloadBytes <= 0 {
		t.Errorf("sizes = %d source, %d payload, want both positive", info.SourceBytes, info.PayloadBytes)
	}
	if len(info.Digest) != 32 {
		t.Fatalf("digest is %d bytes, want 32", len(info.Digest))
	}

	payload, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	hasher := blake3.New()
	hasher.Write(payload)
	if !bytes.Equal(hasher.Sum(nil), info.Digest) {
		t.Error("manifest digest does not match payload bytes")
	}

	decoder, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	image, err := io.ReadAll(decoder)
	decoder.Close()
	if err != nil {
		t.Fatalf("decompressing payload: %v", err)
	}

	restored := openSnapshot(t, image)
	value, err := restored.Map("global").Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get from restored database: %v", err)
	}
	if !bytes.Equal(value, []byte("backup me")) {
		t.Errorf("restored value = %q, want %q", value, "backup me")
	}

	backups, err := database.ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("ListBackups found %d backups, want 1", len(backups))
	}
	if backups[0].Path != info.Path {
		t.Errorf("listed path = %q, want %q", backups[0].Path, info.Path)
	}
	if !bytes.Equal(backups[0].Digest, info.Digest) {
		t.Error("listed digest does not match the backup digest")
	}
}

func TestBackupEncrypted(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	if err := engine.Map("global").Put(ctx, []byte("k"), []byte("sealed")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}

	info, err := engine.Backup(ctx, database.BackupOptions{
		Directory: t.TempDir(),
		Recipient: identity.Recipient().String(),
	})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !info.Encrypted {
		t.Error("backup with recipient not marked encrypted")
	}
	if !strings.HasSuffix(info.Path, ".db.zst.age") {
		t.Errorf("payload path %q lacks .db.zst.age suffix", info.Path)
	}

	payloadFile, err := os.Open(info.Path)
	if err != nil {
		t.Fatalf("opening payload: %v", err)
	}
	defer payloadFile.Close()
	plaintext, err := age.Decrypt(payloadFile, identity)
	if err != nil {
		t.Fatalf("decrypting payload: %v", err)
	}
	decoder, err := zstd.NewReader(plaintext)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	image, err := io.ReadAll(decoder)
	decoder.Close()
	if err != nil {
		t.Fatalf("decompressing payload: %v", err)
	}

	restored := openSnapshot(t, image)
	value, err := restored.Map("global").Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Get from restored database: %v", err)
	}
	if !bytes.Equal(value, []byte("sealed")) {
		t.Errorf("restored value = %q, want %q", value, "sealed")
	}
}

func TestBackupKeepCount(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	if err := engine.Map("global").Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dir := t.TempDir()
	var first *database.BackupInfo
	for i := range 3 {
		info, err := engine.Backup(ctx, database.BackupOptions{
			Directory: dir,
			KeepCount: 2,
		})
		if err != nil {
			t.Fatalf("Backup %d: %v", i, err)
		}
		if first == nil {
			first = info
		}
	}

	backups, err := database.ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("ListBackups found %d backups after pruning, want 2", len(backups))
	}
	for _, path := range []string{first.Path, first.ManifestPath} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("pruned file %q still exists", path)
		}
	}
}

func TestListBackupsEmptyDirectory(t *testing.T) {
	backups, err := database.ListBackups(t.TempDir())
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("ListBackups found %d backups in an empty directory", len(backups))
	}
}

func TestBackupRejectsBadOptions(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})

	if _, err := engine.Backup(ctx, database.BackupOptions{}); err == nil {
		t.Error("Backup accepted empty options")
	}
	_, err := engine.Backup(ctx, database.BackupOptions{
		Directory: t.TempDir(),
		Recipient: "not an age key",
	})
	if err == nil {
		t.Error("Backup accepted a malformed recipient")
	}
}
