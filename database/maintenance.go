// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// IntegrityCheck runs PRAGMA integrity_check and returns its findings.
// A healthy database returns no findings; each finding is one line of
// the pragma's report.
func (e *Engine) IntegrityCheck(ctx context.Context) ([]string, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: integrity check: %w", err)
	}
	defer e.pool.Put(conn)

	var findings []string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA integrity_check", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if line := stmt.ColumnText(0); line != "ok" {
				findings = append(findings, line)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("database: integrity check: %w", err)
	}
	return findings, nil
}

// Checkpoint runs a TRUNCATE WAL checkpoint, blocking new writers
// briefly while the log is flushed into the main file and reset. Run
// on a schedule so the WAL cannot grow without bound under sustained
// write load.
func (e *Engine) Checkpoint(ctx context.Context) error {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("database: checkpoint: %w", err)
	}
	defer e.pool.Put(conn)

	var busy, logFrames, checkpointed int64
	err = sqlitex.ExecuteTransient(conn, "PRAGMA wal_checkpoint(TRUNCATE)", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			busy = stmt.ColumnInt64(0)
			logFrames = stmt.ColumnInt64(1)
			checkpointed = stmt.ColumnInt64(2)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("database: checkpoint: %w", err)
	}
	if busy != 0 {
		e.logger.Warn("wal checkpoint incomplete",
			"log_frames", logFrames,
			"checkpointed", checkpointed,
		)
		return nil
	}
	e.logger.Debug("wal checkpoint", "log_frames", logFrames)
	return nil
}

// Vacuum rebuilds the database file, reclaiming free pages. Holds the
// engine write lock for the duration.
func (e *Engine) Vacuum(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("database: vacuum: %w", err)
	}
	defer e.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "VACUUM", nil); err != nil {
		return fmt.Errorf("database: vacuum: %w", err)
	}
	return nil
}

// Size returns the database size in bytes (page count times page
// size, which excludes the WAL).
func (e *Engine) Size(ctx context.Context) (int64, error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("database: size: %w", err)
	}
	defer e.pool.Put(conn)

	var size int64
	err = sqlitex.ExecuteTransient(conn,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("database: size: %w", err)
	}
	return size, nil
}

// Counts returns the number of keys in every map, keyed by map name.
func (e *Engine) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(MapNames))
	for _, name := range MapNames {
		count, err := e.maps[name].Count(ctx)
		if err != nil {
			return nil, err
		}
		counts[name] = count
	}
	return counts, nil
}

// salvage rebuilds the database at path from its readable rows. The
// damaged original (with its WAL and shm files) is renamed with a
// .corrupt.<unix time> suffix and a fresh file with the recovered rows
// takes its place. A map whose scan fails partway keeps the rows read
// before the failure. Missing database file is not an error.
func salvage(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	src, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		// Not even the header is readable. Nothing to salvage; move
		// the file aside so a fresh database can be created.
		logger.Error("database unreadable, starting fresh", "path", path, "error", err)
		return quarantine(path, logger)
	}

	rebuilt := path + ".salvage"
	for _, stale := range []string{rebuilt, rebuilt + "-wal", rebuilt + "-shm"} {
		_ = os.Remove(stale)
	}
	dst, err := sqlite.OpenConn(rebuilt, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		src.Close()
		return fmt.Errorf("database: creating salvage file: %w", err)
	}

	totalRows := 0
	for _, table := range salvageTables(src, logger) {
		createTable := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB NOT NULL) WITHOUT ROWID",
			table)
		if err := sqlitex.ExecuteTransient(dst, createTable, nil); err != nil {
			src.Close()
			dst.Close()
			return fmt.Errorf("database: salvage creating %s: %w", table, err)
		}

		rows, copyErr := salvageTable(src, dst, table)
		totalRows += rows
		if copyErr != nil {
			logger.Warn("salvage recovered partial map",
				"map", table,
				"rows", rows,
				"error", copyErr,
			)
		} else {
			logger.Info("salvage recovered map", "map", table, "rows", rows)
		}
	}
	src.Close()
	if err := dst.Close(); err != nil {
		return fmt.Errorf("database: closing salvage file: %w", err)
	}

	if err := quarantine(path, logger); err != nil {
		return err
	}
	if err := os.Rename(rebuilt, path); err != nil {
		return fmt.Errorf("database: installing salvaged file: %w", err)
	}
	logger.Info("database salvage complete", "path", path, "rows", totalRows)
	return nil
}

// salvageTables lists the kv_ tables present in the source database.
// When even the schema is unreadable, it falls back to the registered
// map set so whatever rows remain under the expected names are tried.
func salvageTables(src *sqlite.Conn, logger *slog.Logger) []string {
	var tables []string
	err := sqlitex.ExecuteTransient(src,
		"SELECT name FROM sqlite_schema WHERE type = 'table' AND name LIKE 'kv_%'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tables = append(tables, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil || len(tables) == 0 {
		if err != nil {
			logger.Warn("salvage could not read schema, using registry", "error", err)
		}
		tables = tables[:0]
		for _, name := range MapNames {
			tables = append(tables, "kv_"+name)
		}
	}
	return tables
}

// salvageTable copies the readable rows of one table, returning how
// many made it across. The destination transaction commits even when
// the source scan fails, keeping the partial result.
func salvageTable(src, dst *sqlite.Conn, table string) (rows int, err error) {
	if err := sqlitex.ExecuteTransient(dst, "BEGIN", nil); err != nil {
		return 0, err
	}

	insert := "INSERT OR REPLACE INTO " + table + " (key, value) VALUES (?, ?)"
	copyErr := sqlitex.ExecuteTransient(src,
		"SELECT key, value FROM "+table,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				key := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, key)
				value := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, value)
				if err := sqlitex.Execute(dst, insert, &sqlitex.ExecOptions{
					Args: []any{key, value},
				}); err != nil {
					return err
				}
				rows++
				return nil
			},
		})

	if err := sqlitex.ExecuteTransient(dst, "COMMIT", nil); err != nil {
		_ = sqlitex.ExecuteTransient(dst, "ROLLBACK", nil)
		return 0, err
	}
	return rows, copyErr
}

// quarantine renames the database file and its WAL sidecars out of the
// way with a timestamped .corrupt suffix. The WAL and shm renames are
// best effort; leaving either behind next to a fresh database would
// corrupt it on open.
func quarantine(path string, logger *slog.Logger) error {
	suffix := fmt.Sprintf(".corrupt.%d", time.Now().Unix())
	if err := os.Rename(path, path+suffix); err != nil {
		return fmt.Errorf("database: quarantining %s: %w", path, err)
	}
	for _, sidecar := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+sidecar, path+suffix+sidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
			_ = os.Remove(path + sidecar)
		}
	}
	logger.Warn("damaged database quarantined", "path", path+suffix)
	return nil
}
