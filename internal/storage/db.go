// Package storage is the Persistence Gateway: the sole owner of the
// embedded database file handle. Every other component reaches the store
// through a *Gateway wrapping the *DB, never by opening the file directly.
package storage

import (
	_ "embed"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the single writer connection to the embedded store. Read-only
// external consumers (dashboards, analytics engines) are expected to open
// their own independent read-only handle against the same file; the Gateway
// only has to tolerate their presence, not manage their lifecycle.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates (or attaches to) the embedded store at path, with
// write-ahead logging enabled and synchronous commit, and applies the
// schema idempotently.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		path = absPath
	}

	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection is held for the process lifetime (spec
	// §4.1); cap the pool at 1 so SQLite's own locking never has to
	// arbitrate between concurrent writer goroutines inside this process.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

// migrate applies the embedded schema. CREATE TABLE/INDEX IF NOT EXISTS make
// this safe to run on every startup.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(schemaSQL)
	return err
}

// Close closes the writer connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the store's on-disk path.
func (db *DB) Path() string {
	return db.path
}

// Conn exposes the underlying *sql.DB for read-only helper queries that
// don't warrant a dedicated Gateway method (e.g. diagnostics).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// RunInTransaction wraps fn in a single transaction: if fn returns an error
// or panics, the transaction is rolled back; otherwise it is committed. This
// is the mechanism the Cleaning Pipeline uses to commit Silver rows and
// advance the watermark atomically.
func (db *DB) RunInTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// WALCheckpoint forces a WAL checkpoint, truncating the WAL file. Exposed
// for maintenance tooling; the core pipeline never needs to call it.
func (db *DB) WALCheckpoint() error {
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
