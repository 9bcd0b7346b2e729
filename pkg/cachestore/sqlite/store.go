// Package sqlite provides a SQLite-backed [cachestore.Store] so cached
// generations survive gateway restarts without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/spitch/pkg/cachestore"
)

// Schema is the DDL applied by [Open].
const Schema = `
CREATE TABLE IF NOT EXISTS cache_versions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
    version   TEXT NOT NULL REFERENCES cache_versions(name) ON DELETE CASCADE,
    key       TEXT NOT NULL,
    status    INTEGER NOT NULL,
    header    TEXT NOT NULL DEFAULT '{}',
    body      BLOB NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (version, key)
);
`

var (
	_ cachestore.Store  = (*Store)(nil)
	_ cachestore.Pinger = (*Store)(nil)
)

// Store persists cache generations in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) the SQLite database at path and applies [Schema].
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping db: %w", err)
	}
	if _, err := sqlDB.Exec(Schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Open implements [cachestore.Store.Open].
func (s *Store) Open(ctx context.Context, version string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_versions (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		version, toMillis(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: open version %q: %w", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: open version %q: %w", version, err)
	}
	return n == 1, nil
}

// Versions implements [cachestore.Store.Versions].
func (s *Store) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_versions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list versions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scan version: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete implements [cachestore.Store.Delete].
func (s *Store) Delete(ctx context.Context, version string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %q: begin: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE version = ?`, version); err != nil {
		return false, fmt.Errorf("sqlite: delete %q entries: %w", version, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_versions WHERE name = ?`, version)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %q: %w", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %q: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: delete %q: commit: %w", version, err)
	}
	return n > 0, nil
}

// PutAll implements [cachestore.Store.PutAll] inside one transaction.
func (s *Store) PutAll(ctx context.Context, version string, entries []cachestore.Response) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: put %q: begin: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cache_versions WHERE name = ?`, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: put %q: %w", version, cachestore.ErrVersionNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: put %q: %w", version, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_entries (version, key, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(version, key) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`)
	if err != nil {
		return fmt.Errorf("sqlite: put %q: prepare: %w", version, err)
	}
	defer stmt.Close()

	storedAt := toMillis(s.now())
	for _, e := range entries {
		header, err := json.Marshal(cachestore.StorableHeader(e.Header))
		if err != nil {
			return fmt.Errorf("sqlite: marshal header for %q: %w", e.Key, err)
		}
		body := e.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, version, e.Key, e.Status, string(header), body, storedAt); err != nil {
			return fmt.Errorf("sqlite: put %q %q: %w", version, e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: put %q: commit: %w", version, err)
	}
	return nil
}

// Match implements [cachestore.Store.Match].
func (s *Store) Match(ctx context.Context, version, key string) (*cachestore.Response, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE version = ? AND key = ?`,
		version, key,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: match %q %q: %w", version, key, err)
	}

	h := make(http.Header)
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal header for %q: %w", key, err)
	}
	return &cachestore.Response{
		Key:      key,
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: fromMillis(storedAt),
	}, nil
}

// Keys implements [cachestore.Store.Keys].
func (s *Store) Keys(ctx context.Context, version string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE version = ? ORDER BY key`, version)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keys %q: %w", version, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
