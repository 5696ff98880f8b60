// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package database provides the homeserver's keyspace storage engine.
//
// The engine is a set of named byte-ordered key/value maps backed by a
// single SQLite file through [lib/sqlitepool]. Every map in [MapNames]
// becomes one kv_<name> table (key BLOB PRIMARY KEY, value BLOB), so
// keys iterate in memcmp order exactly as services expect from the
// composite-key conventions in this package.
//
// # Reads and writes
//
// Reads take a pool connection and run concurrently. All writes funnel
// through a per-engine write queue: [Engine.NewBatch] collects puts and
// deletes across any number of maps, and [Batch.Commit] applies them in
// one IMMEDIATE transaction while holding the engine write lock. The
// single-writer discipline keeps SQLite out of SQLITE_BUSY territory
// and gives multi-map updates (a PDU append touches half a dozen maps)
// atomicity for free. [Map.Put], [Map.Del], and [Map.Increment] are
// one-shot batches for callers that need a single durable write.
//
// # Keys
//
// Composite keys join their segments with a 0xFF separator byte
// ([JoinKey], [SplitKey]); Matrix identifiers never contain 0xFF, so
// the separator is unambiguous. Fixed-width segments such as sequence
// counts are appended raw in big-endian order and sliced positionally
// by the caller. Prefix scans derive their upper bound by incrementing
// the last non-0xFF byte of the prefix.
//
// # Watches
//
// [Map.Watch] returns a channel that is closed by the first committed
// put whose key starts with the given prefix. Sync long-polling blocks
// on a select over these channels. Watchers fire after the transaction
// commits, never before, so a woken reader always observes the write.
//
// # Values
//
// Stored values carry a one-byte compression tag (none, lz4, zstd)
// ahead of the payload. The per-map codec is chosen by configuration
// at open; because every value is self-describing, changing the
// configured codec never invalidates existing rows.
//
// # Recovery and backup
//
// [Open] honors a recovery mode: 0 opens normally, 1 runs PRAGMA
// integrity_check and logs findings without failing the open, and 2
// salvages every readable row into a fresh database file, moving the
// damaged original aside. [Engine.Backup] snapshots the live database
// with VACUUM INTO, compresses the snapshot with zstd, optionally
// encrypts it to an age X25519 recipient, and writes a CBOR manifest
// recording sizes and a BLAKE3 digest of the artifact.
package database
