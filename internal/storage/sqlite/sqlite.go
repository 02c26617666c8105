// Package sqlite implements the storage engine contract using SQLite via
// the CGO-free ncruces driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/loomworks/loom/internal/storage"
)

// DB implements storage.DB on a SQLite database.
type DB struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

var _ storage.DB = (*DB)(nil)

// setupWASMCache configures WASM compilation caching so the embedded
// SQLite build is compiled once per machine instead of on every process
// start. Falls back to an in-memory cache if the cache dir is unusable.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "loom", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open creates or opens a loom database at path. ":memory:" opens a
// private in-memory database (each Open gets its own).
func Open(ctx context.Context, path string) (*DB, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// Private cache so concurrent tests in one process stay isolated.
		connStr = "file::memory:?mode=memory&cache=private&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are per-connection; force a single connection so
	// the pool cannot hand out an empty sibling database.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool so write-lock
		// contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if absPath, err = filepath.Abs(path); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &DB{db: db, dbPath: absPath}, nil
}

// Close checkpoints the WAL and closes the connection pool. Without the
// checkpoint, writes can be stranded in the -wal file between process runs.
func (d *DB) Close() error {
	d.closed.Store(true)
	_, _ = d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.db.Close()
}

// Path returns the database path.
func (d *DB) Path() string { return d.dbPath }

// IsClosed returns true if Close has been called.
func (d *DB) IsClosed() bool { return d.closed.Load() }

// QueryContext implements storage.Querier.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext implements storage.Querier.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// ExecContext implements storage.Querier.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// GetStats implements storage.DB.
func (d *DB) GetStats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{}
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM elements`).Scan(&st.ElementCount); err != nil {
		return nil, fmt.Errorf("count elements: %w", err)
	}
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.EventCount); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if d.dbPath != ":memory:" && !strings.HasPrefix(d.dbPath, "file:") {
		if fi, err := os.Stat(d.dbPath); err == nil {
			st.FileSize = fi.Size()
		}
	}
	return st, nil
}
