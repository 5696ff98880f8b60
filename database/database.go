// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tototomate123/tuwunel/lib/sqlitepool"
)

// Recovery modes applied by Open before serving.
const (
	// RecoveryNormal opens the database without any checks.
	RecoveryNormal = 0

	// RecoveryCheck runs PRAGMA integrity_check at open and logs
	// every finding, but never fails the open because of them.
	RecoveryCheck = 1

	// RecoverySalvage copies every readable row into a fresh
	// database file before opening it, moving the damaged original
	// aside with a .corrupt suffix. Rows in unreadable pages are
	// lost; everything else survives.
	RecoverySalvage = 2
)

// Config holds the parameters for opening a storage engine. Path is
// required; all other fields have working defaults.
type Config struct {
	// Path is the filesystem path of the SQLite database file. The
	// parent directory must exist; the file is created on first open.
	Path string

	// PoolSize is the number of read connections. Zero picks the
	// sqlitepool default. Writers never contend for these because
	// all writes serialize through the engine write queue.
	PoolSize int

	// RecoveryMode is one of RecoveryNormal, RecoveryCheck, or
	// RecoverySalvage.
	RecoveryMode int

	// Compression is the codec applied to values written after open.
	// Existing rows remain readable whatever this is set to, because
	// every stored value carries its own frame tag.
	Compression Compression

	// CompressionOverride selects a different codec for individual
	// maps, keyed by map name. Index maps with tiny values are the
	// usual candidates for an override to CompressionNone.
	CompressionOverride map[string]Compression

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Engine is the open database: a fixed registry of named maps over one
// SQLite file. Reads run concurrently on pool connections; writes
// serialize through the engine write queue. Safe for concurrent use.
type Engine struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	path   string

	// writeMu is the write queue: batch commits, increments, and
	// vacuum hold it for the duration of their transaction. Waiters
	// queue on the mutex in arrival order.
	writeMu sync.Mutex

	maps map[string]*Map
}

// Open opens the database at cfg.Path, applying the configured
// recovery mode and creating any missing map tables. The caller must
// Close the engine when done.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database: Path is required")
	}
	if cfg.RecoveryMode < RecoveryNormal || cfg.RecoveryMode > RecoverySalvage {
		return nil, fmt.Errorf("database: recovery mode %d out of range 0-2", cfg.RecoveryMode)
	}
	for name := range cfg.CompressionOverride {
		if !knownMap(name) {
			return nil, fmt.Errorf("database: compression override for unknown map %q", name)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if cfg.RecoveryMode == RecoverySalvage {
		if err := salvage(cfg.Path, logger); err != nil {
			return nil, err
		}
	}

	schema := schemaScript()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	engine := &Engine{
		pool:   pool,
		logger: logger,
		path:   cfg.Path,
		maps:   make(map[string]*Map, len(MapNames)),
	}
	for _, name := range MapNames {
		codec := cfg.Compression
		if override, ok := cfg.CompressionOverride[name]; ok {
			codec = override
		}
		engine.maps[name] = &Map{
			engine: engine,
			name:   name,
			table:  "kv_" + name,
			codec:  codec,
			watch:  newWatchRegistry(),
		}
	}

	if cfg.RecoveryMode == RecoveryCheck {
		findings, err := engine.IntegrityCheck(ctx)
		switch {
		case err != nil:
			logger.Error("database integrity check failed to run", "error", err)
		case len(findings) > 0:
			for _, finding := range findings {
				logger.Warn("database integrity finding", "finding", finding)
			}
		default:
			logger.Info("database integrity check passed")
		}
	}

	logger.Info("database opened",
		"path", cfg.Path,
		"maps", len(MapNames),
		"compression", cfg.Compression.String(),
		"recovery_mode", cfg.RecoveryMode,
	)
	return engine, nil
}

// Close closes the connection pool and wakes every watcher so blocked
// long-polls return during shutdown.
func (e *Engine) Close() error {
	for _, m := range e.maps {
		m.watch.closeAll()
	}
	if err := e.pool.Close(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Map returns the named map. The name must appear in MapNames; any
// other name is a programmer error and panics.
func (e *Engine) Map(name string) *Map {
	m, ok := e.maps[name]
	if !ok {
		panic(fmt.Sprintf("database: unknown map %q", name))
	}
	return m
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// knownMap reports whether name appears in MapNames.
func knownMap(name string) bool {
	for _, known := range MapNames {
		if known == name {
			return true
		}
	}
	return false
}

// schemaScript builds the CREATE TABLE script run on every new pool
// connection. All statements are IF NOT EXISTS, so the script is a
// no-op after the first connection of the first open.
func schemaScript() string {
	var script strings.Builder
	for _, name := range MapNames {
		fmt.Fprintf(&script,
			"CREATE TABLE IF NOT EXISTS kv_%s (key BLOB PRIMARY KEY, value BLOB NOT NULL) WITHOUT ROWID;\n",
			name)
	}
	return script.String()
}

// batchOp is one pending write. A delete stores a nil value and the
// delete flag; an empty put value is legal and distinct from a delete.
type batchOp struct {
	m      *Map
	key    []byte
	value  []byte
	delete bool
}

// Batch collects writes across any number of maps for a single atomic
// commit. A Batch is not safe for concurrent use; build it on one
// goroutine and Commit once.
type Batch struct {
	engine *Engine
	ops    []batchOp
}

// NewBatch returns an empty write batch.
func (e *Engine) NewBatch() *Batch {
	return &Batch{engine: e}
}

// Put queues an upsert of key to value in m. The key and value are
// copied; the caller may reuse its buffers. The value is framed with
// m's codec immediately, off the write lock.
func (b *Batch) Put(m *Map, key, value []byte) {
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	b.ops = append(b.ops, batchOp{m: m, key: keyCopy, value: encodeValue(m.codec, value)})
}

// Del queues a delete of key from m. Deleting an absent key is a
// no-op. The key is copied.
func (b *Batch) Del(m *Map, key []byte) {
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	b.ops = append(b.ops, batchOp{m: m, key: keyCopy, delete: true})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Commit applies the batch in one IMMEDIATE transaction under the
// engine write lock, then wakes watchers for every put key. An empty
// batch commits trivially without touching the database. After a
// successful Commit the batch is empty and may be reused.
func (b *Batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}

	b.engine.writeMu.Lock()
	err := b.write(ctx)
	b.engine.writeMu.Unlock()
	if err != nil {
		return err
	}

	for _, op := range b.ops {
		if !op.delete {
			op.m.watch.notify(op.key)
		}
	}
	b.ops = b.ops[:0]
	return nil
}

// write applies the queued operations inside one transaction. Called
// with the engine write lock held.
func (b *Batch) write(ctx context.Context) (err error) {
	conn, err := b.engine.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("database: commit: %w", err)
	}
	defer b.engine.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("database: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, op := range b.ops {
		if op.delete {
			err = sqlitex.Execute(conn,
				"DELETE FROM "+op.m.table+" WHERE key = ?",
				&sqlitex.ExecOptions{Args: []any{op.key}})
		} else {
			err = sqlitex.Execute(conn,
				"INSERT OR REPLACE INTO "+op.m.table+" (key, value) VALUES (?, ?)",
				&sqlitex.ExecOptions{Args: []any{op.key, op.value}})
		}
		if err != nil {
			return fmt.Errorf("database: writing %s: %w", op.m.name, err)
		}
	}
	return nil
}
