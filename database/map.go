// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrStop aborts a scan early from the callback. Scan swallows it and
// returns nil.
var ErrStop = errors.New("database: stop scan")

// Map is one named keyspace. Handles are obtained from Engine.Map and
// are valid for the lifetime of the engine. Safe for concurrent use.
type Map struct {
	engine *Engine
	name   string
	table  string
	codec  Compression
	watch  *watchRegistry
}

// Name returns the map name as listed in MapNames.
func (m *Map) Name() string {
	return m.name
}

// Get returns the value stored under key, or (nil, nil) when the key
// is absent. A stored empty value comes back as an empty non-nil
// slice; use Has when only presence matters.
func (m *Map) Get(ctx context.Context, key []byte) ([]byte, error) {
	conn, err := m.engine.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: reading %s: %w", m.name, err)
	}
	defer m.engine.pool.Put(conn)

	var stored []byte
	found := false
	err = sqlitex.Execute(conn,
		"SELECT value FROM "+m.table+" WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				stored = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, stored)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("database: reading %s: %w", m.name, err)
	}
	if !found {
		return nil, nil
	}

	value, err := decodeValue(stored)
	if err != nil {
		return nil, fmt.Errorf("database: decoding %s value: %w", m.name, err)
	}
	return value, nil
}

// Has reports whether key is present.
func (m *Map) Has(ctx context.Context, key []byte) (bool, error) {
	conn, err := m.engine.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("database: reading %s: %w", m.name, err)
	}
	defer m.engine.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM "+m.table+" WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("database: reading %s: %w", m.name, err)
	}
	return found, nil
}

// Put durably stores value under key and wakes matching watchers.
// One-shot equivalent of a single-op batch.
func (m *Map) Put(ctx context.Context, key, value []byte) error {
	batch := m.engine.NewBatch()
	batch.Put(m, key, value)
	return batch.Commit(ctx)
}

// Del durably removes key. Removing an absent key is a no-op.
func (m *Map) Del(ctx context.Context, key []byte) error {
	batch := m.engine.NewBatch()
	batch.Del(m, key)
	return batch.Commit(ctx)
}

// Increment adds one to the 8-byte big-endian counter under key and
// returns the new value. An absent or malformed stored value counts
// as zero, so the first increment of a key returns 1. The
// read-modify-write runs under the engine write lock.
func (m *Map) Increment(ctx context.Context, key []byte) (uint64, error) {
	m.engine.writeMu.Lock()
	value, err := m.increment(ctx, key)
	m.engine.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	m.watch.notify(key)
	return value, nil
}

// increment performs the counter update transaction. Called with the
// engine write lock held.
func (m *Map) increment(ctx context.Context, key []byte) (value uint64, err error) {
	conn, err := m.engine.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("database: incrementing %s: %w", m.name, err)
	}
	defer m.engine.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("database: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var stored []byte
	err = sqlitex.Execute(conn,
		"SELECT value FROM "+m.table+" WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, stored)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("database: incrementing %s: %w", m.name, err)
	}

	var current uint64
	if stored != nil {
		// A malformed counter decodes to zero rather than failing
		// the increment.
		if decoded, decodeErr := decodeValue(stored); decodeErr == nil {
			current = CounterValue(decoded)
		}
	}
	value = current + 1

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO "+m.table+" (key, value) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{key, encodeValue(m.codec, EncodeCounter(value))}})
	if err != nil {
		return 0, fmt.Errorf("database: incrementing %s: %w", m.name, err)
	}
	return value, nil
}

// ScanOptions bound a scan. All fields are optional; the zero value
// scans the whole map ascending.
type ScanOptions struct {
	// Prefix restricts the scan to keys that start with it.
	Prefix []byte

	// From is the inclusive key to start at: the lower bound for
	// ascending scans, the upper bound for descending ones. Combined
	// with Prefix it narrows the window further.
	From []byte

	// Descending reverses the key order.
	Descending bool

	// Limit caps the number of rows visited. Zero means unlimited.
	Limit int
}

// Scan visits rows in key order, calling fn with the decoded value for
// each. The key and value slices are freshly allocated per row and may
// be retained. Returning ErrStop from fn ends the scan early without
// error; any other error aborts the scan and is returned.
func (m *Map) Scan(ctx context.Context, opts ScanOptions, fn func(key, value []byte) error) error {
	conn, err := m.engine.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("database: scanning %s: %w", m.name, err)
	}
	defer m.engine.pool.Put(conn)

	var conditions []string
	var args []any
	if len(opts.Prefix) > 0 {
		conditions = append(conditions, "key >= ?")
		args = append(args, opts.Prefix)
		if upper := prefixUpperBound(opts.Prefix); upper != nil {
			conditions = append(conditions, "key < ?")
			args = append(args, upper)
		}
	}
	if len(opts.From) > 0 {
		if opts.Descending {
			conditions = append(conditions, "key <= ?")
		} else {
			conditions = append(conditions, "key >= ?")
		}
		args = append(args, opts.From)
	}

	query := "SELECT key, value FROM " + m.table
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.Descending {
		query += " ORDER BY key DESC"
	} else {
		query += " ORDER BY key ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			key := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, key)
			stored := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, stored)
			value, err := decodeValue(stored)
			if err != nil {
				return fmt.Errorf("decoding value: %w", err)
			}
			return fn(key, value)
		},
	})
	if err != nil {
		if errors.Is(err, ErrStop) {
			return nil
		}
		return fmt.Errorf("database: scanning %s: %w", m.name, err)
	}
	return nil
}

// ScanPrefix visits all keys starting with prefix in ascending order.
func (m *Map) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return m.Scan(ctx, ScanOptions{Prefix: prefix}, fn)
}

// Count returns the number of keys in the map.
func (m *Map) Count(ctx context.Context) (int64, error) {
	conn, err := m.engine.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("database: counting %s: %w", m.name, err)
	}
	defer m.engine.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM "+m.table,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("database: counting %s: %w", m.name, err)
	}
	return count, nil
}
