// Package reldb provides the secondary relational store that mirrors the
// primary document store for reporting and downstream consumers.
//
// Two backends are supported behind database/sql:
//   - Embedded SQLite (ncruces/go-sqlite3) for paths and "file:" DSNs, opened
//     in WAL mode with foreign keys enforced.
//   - libSQL / Turso (tursodatabase/go-libsql) for "libsql://", "http://" and
//     "https://" DSNs.
//
// Writes go through Tx: exporters upsert parent rows, replace child rows and
// commit or roll back the whole batch.
package reldb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Driver names registered with database/sql.
const (
	DriverSQLite = "sqlite3"
	DriverLibSQL = "libsql"
)

// DB wraps the relational connection pool.
type DB struct {
	conn   *sql.DB
	dsn    string
	driver string
}

// Open connects to the relational store named by dsn.
//
// A plain path or "file:" URI opens an embedded SQLite database (creating
// the parent directory). "libsql://", "http://" and "https://" DSNs connect
// to a libSQL server.
//
// Example:
//
//	db, err := reldb.Open(".opsync/reporting.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn cannot be empty")
	}
	if isRemote(dsn) {
		return openLibSQL(dsn)
	}
	return openSQLite(dsn)
}

func isRemote(dsn string) bool {
	for _, prefix := range []string{"libsql://", "http://", "https://"} {
		if strings.HasPrefix(dsn, prefix) {
			return true
		}
	}
	return false
}

func openSQLite(dsn string) (*DB, error) {
	connStr := dsn
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + dsn
	}

	conn, err := sql.Open(DriverSQLite, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer; readers share the WAL.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, dsn: dsn, driver: DriverSQLite}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Driver returns the database/sql driver in use.
func (db *DB) Driver() string {
	return db.driver
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection, checkpointing the WAL of embedded
// databases first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.driver == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Begin opens a write transaction. The caller must Commit or Rollback.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Count returns the number of rows in table.
func (db *DB) Count(table Table) (int, error) {
	return db.CountContext(context.Background(), table)
}

// CountContext returns the number of rows in table with context support.
func (db *DB) CountContext(ctx context.Context, table Table) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table.Name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table.Name, err)
	}
	return count, nil
}

// Exists reports whether a row with the given single-column key exists.
func (db *DB) Exists(ctx context.Context, table Table, key string) (bool, error) {
	if len(table.Key) != 1 {
		return false, fmt.Errorf("table %s does not have a single-column key", table.Name)
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table.Name, table.Key[0])
	if err := db.conn.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up %s %s: %w", table.Name, key, err)
	}
	return n > 0, nil
}

// Ping checks connectivity within timeout.
func (db *DB) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// redact hides credentials in a DSN for log and error output.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	q := u.Query()
	if q.Has("authToken") {
		q.Set("authToken", "REDACTED")
		u.RawQuery = q.Encode()
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
