package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is an embedded primary store keeping each document as a JSON
// row in a single table.
//
// The store uses a single connection: SQLite allows one writer at a time, and
// serializing every transaction on one connection makes the read-then-write
// in RunTransaction atomic without relying on busy retries.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) an embedded document store.
//
// path may be a file path, a "file:" URI, or ":memory:" for a private
// in-memory store.
//
// Example:
//
//	store, err := docstore.OpenSQLite(".opsync/primary.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	connStr := path
	switch {
	case path == ":memory:":
		connStr = "file::memory:"
	case !strings.HasPrefix(path, "file:"):
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	// One connection, kept open for the lifetime of the store so in-memory
	// databases survive between calls.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping document store: %w", err)
	}

	s := &SQLiteStore{db: conn, path: path}

	if !inMemory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	) WITHOUT ROWID;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close document store: %w", err)
	}
	s.db = nil
	return nil
}

// Get implements Reader.Get.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDoc(ctx, s.db, collection, id)
}

// Find implements Reader.Find.
func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]Document, error) {
	return findDocs(ctx, s.db, q)
}

// Commit implements Store.Commit.
func (s *SQLiteStore) Commit(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	if err := batch.validate(); err != nil {
		return err
	}

	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		for i, w := range batch.Writes() {
			var err error
			switch w.Kind {
			case WriteSet:
				err = tx.Set(ctx, w.Collection, w.ID, w.Fields)
			case WriteUpdate:
				err = tx.Update(ctx, w.Collection, w.ID, w.Fields)
			case WriteDelete:
				err = tx.Delete(ctx, w.Collection, w.ID)
			default:
				err = fmt.Errorf("unknown write kind %d", w.Kind)
			}
			if err != nil {
				return fmt.Errorf("batch write %d (%s %s/%s): %w", i, w.Kind, w.Collection, w.ID, err)
			}
		}
		return nil
	})
}

// RunTransaction implements Store.RunTransaction.
func (s *SQLiteStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &sqliteTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDoc(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Find(ctx context.Context, q Query) ([]Document, error) {
	return findDocs(ctx, t.tx, q)
}

func (t *sqliteTx) Create(ctx context.Context, collection, id string, fields Fields) error {
	data, err := encodeJSON(fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}

	res, err := t.tx.ExecContext(ctx, `
	INSERT INTO documents (collection, id, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO NOTHING
	`, collection, id, string(data), nowString())
	if err != nil {
		return fmt.Errorf("failed to create %s/%s: %w", collection, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	return nil
}

func (t *sqliteTx) Set(ctx context.Context, collection, id string, fields Fields) error {
	return putDoc(ctx, t.tx, collection, id, fields)
}

func (t *sqliteTx) Update(ctx context.Context, collection, id string, fields Fields) error {
	existing, err := getDoc(ctx, t.tx, collection, id)
	if err != nil {
		return err
	}
	return putDoc(ctx, t.tx, collection, id, mergeFields(existing.Fields, fields))
}

func (t *sqliteTx) Delete(ctx context.Context, collection, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func getDoc(ctx context.Context, q queryer, collection, id string) (Document, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}

	fields, err := decodeJSON([]byte(data))
	if err != nil {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Fields: fields}, nil
}

func putDoc(ctx context.Context, q queryer, collection, id string, fields Fields) error {
	data, err := encodeJSON(fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO documents (collection, id, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`, collection, id, string(data), nowString())
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return nil
}

func findDocs(ctx context.Context, q queryer, query Query) ([]Document, error) {
	stmt, args, err := buildFind(query)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", query.Collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", query.Collection, err)
		}
		fields, err := decodeJSON([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", query.Collection, id, err)
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", query.Collection, err)
	}
	return docs, nil
}

// buildFind translates a Query into SQL over json_extract.
func buildFind(q Query) (string, []any, error) {
	if err := q.validate(); err != nil {
		return "", nil, err
	}

	conditions := []string{"collection = ?"}
	args := []any{q.Collection}

	for _, f := range q.Filters {
		arg, err := sqlArg(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("filter on %s: %w", f.Field, err)
		}
		if arg == nil {
			if f.Op != Eq {
				return "", nil, fmt.Errorf("filter on %s: only == supports null", f.Field)
			}
			// Present and null, matching equality semantics of the other backend.
			conditions = append(conditions, "json_type(data, ?) = 'null'")
			args = append(args, jsonPath(f.Field))
			continue
		}
		op := string(f.Op)
		switch f.Op {
		case Eq:
			op = "="
		case Ne:
			// IS NOT keeps documents whose field is absent.
			op = "IS NOT"
		}
		conditions = append(conditions, fmt.Sprintf("json_extract(data, ?) %s ?", op))
		args = append(args, valuePath(f.Field, f.Value), arg)
	}

	if q.After != nil {
		if q.OrderBy == "" {
			conditions = append(conditions, "id > ?")
			args = append(args, q.After.ID)
		} else {
			arg, err := sqlArg(q.After.Value)
			if err != nil {
				return "", nil, fmt.Errorf("cursor: %w", err)
			}
			if arg == nil {
				conditions = append(conditions, "(json_extract(data, ?) IS NOT NULL OR id > ?)")
				args = append(args, jsonPath(q.OrderBy), q.After.ID)
			} else {
				path := valuePath(q.OrderBy, q.After.Value)
				conditions = append(conditions, "(json_extract(data, ?) > ? OR (json_extract(data, ?) = ? AND id > ?))")
				args = append(args, path, arg, path, arg, q.After.ID)
			}
		}
	}

	stmt := "SELECT id, data FROM documents WHERE " + strings.Join(conditions, " AND ")
	if q.OrderBy != "" {
		// Timestamps are stored as {"__time__": "..."} objects; their JSON
		// text sorts in time order because the prefix is shared.
		stmt += " ORDER BY json_extract(data, ?) ASC, id ASC"
		args = append(args, jsonPath(q.OrderBy))
	} else {
		stmt += " ORDER BY id ASC"
	}
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return stmt, args, nil
}

func jsonPath(field string) string {
	return fmt.Sprintf(`$."%s"`, field)
}

// valuePath returns the path to compare against v; timestamps compare on
// their wrapped string.
func valuePath(field string, v any) string {
	switch v.(type) {
	case time.Time, *time.Time:
		return fmt.Sprintf(`$."%s".%s`, field, timeKey)
	}
	return jsonPath(field)
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
