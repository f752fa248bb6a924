package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const kvTable = "kv"

// SQLite is a Store backed by a single SQLite table shared by every
// namespace.
type SQLite struct {
	db     *sql.DB
	ns     string
	owner  bool
	closed *atomic.Bool
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One writer; also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, ns: DefaultNamespace, owner: true, closed: &atomic.Bool{}}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(namespace, key)
		);`, kvTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(namespace, updated_at);`, kvTable, kvTable),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Namespace returns a Store over the same database scoped to ns. Closing
// the namespaced view is a no-op; close the store returned by OpenSQLite.
func (s *SQLite) Namespace(ns string) *SQLite {
	return &SQLite{db: s.db, ns: ns, closed: s.closed}
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(namespace, key, value, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, kvTable),
		s.ns, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.ns, key, err)
	}
	return nil
}

func (s *SQLite) GetAll(ctx context.Context) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s WHERE namespace = ? ORDER BY updated_at`, kvTable), s.ns)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", s.ns, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.ns, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE namespace = ? AND key = ?`, kvTable), s.ns, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.ns, key, err)
	}
	return nil
}

// Close closes the database when called on the store returned by
// OpenSQLite.
func (s *SQLite) Close() error {
	if !s.owner {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
