// Package postgres provides a PostgreSQL-backed [cachestore.Store]. Use it
// when several gateway replicas must share one cache generation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/spitch/pkg/cachestore"
)

// Schema is the SQL DDL for the cache tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS spitch_cache_versions (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS spitch_cache_entries (
    version   TEXT NOT NULL REFERENCES spitch_cache_versions(name) ON DELETE CASCADE,
    key       TEXT NOT NULL,
    status    INTEGER NOT NULL,
    header    JSONB NOT NULL DEFAULT '{}',
    body      BYTEA NOT NULL,
    stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (version, key)
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ cachestore.Store  = (*Store)(nil)
	_ cachestore.Pinger = (*Store)(nil)
)

// Store is a [cachestore.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

// New wraps an existing connection or pool. The caller owns db and is
// responsible for calling [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect creates a connection pool for dsn, pings it and applies [Schema].
// The returned store owns the pool and closes it in [Store.Close].
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres cachestore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres cachestore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres cachestore: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres cachestore: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity. Connections that cannot ping report healthy.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the pool if the store created it.
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// Open implements [cachestore.Store.Open].
func (s *Store) Open(ctx context.Context, version string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO spitch_cache_versions (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		version)
	if err != nil {
		return false, fmt.Errorf("postgres cachestore: open %q: %w", version, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Versions implements [cachestore.Store.Versions].
func (s *Store) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM spitch_cache_versions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres cachestore: versions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("postgres cachestore: scan version: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres cachestore: versions: %w", err)
	}
	return names, nil
}

// Delete implements [cachestore.Store.Delete]. Entries are removed by the
// ON DELETE CASCADE constraint.
func (s *Store) Delete(ctx context.Context, version string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM spitch_cache_versions WHERE name = $1`, version)
	if err != nil {
		return false, fmt.Errorf("postgres cachestore: delete %q: %w", version, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PutAll implements [cachestore.Store.PutAll] inside one transaction. The
// version row is share-locked so a concurrent activation cannot delete it
// mid-write.
func (s *Store) PutAll(ctx context.Context, version string, entries []cachestore.Response) error {
	headers := make([][]byte, len(entries))
	for i, e := range entries {
		b, err := json.Marshal(cachestore.StorableHeader(e.Header))
		if err != nil {
			return fmt.Errorf("postgres cachestore: marshal header for %q: %w", e.Key, err)
		}
		headers[i] = b
	}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM spitch_cache_versions WHERE name = $1 FOR SHARE`, version,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return cachestore.ErrVersionNotFound
		}
		if err != nil {
			return err
		}

		const upsert = `
			INSERT INTO spitch_cache_entries (version, key, status, header, body, stored_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (version, key) DO UPDATE SET
				status = EXCLUDED.status,
				header = EXCLUDED.header,
				body = EXCLUDED.body,
				stored_at = EXCLUDED.stored_at`
		for i, e := range entries {
			body := e.Body
			if body == nil {
				body = []byte{}
			}
			if _, err := tx.Exec(ctx, upsert, version, e.Key, e.Status, headers[i], body); err != nil {
				return fmt.Errorf("put %q: %w", e.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres cachestore: put %q: %w", version, err)
	}
	return nil
}

// Match implements [cachestore.Store.Match].
func (s *Store) Match(ctx context.Context, version, key string) (*cachestore.Response, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT status, header, body, stored_at FROM spitch_cache_entries WHERE version = $1 AND key = $2`,
		version, key,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres cachestore: match %q %q: %w", version, key, err)
	}

	h := make(http.Header)
	if len(header) > 0 {
		if err := json.Unmarshal(header, &h); err != nil {
			return nil, fmt.Errorf("postgres cachestore: unmarshal header for %q: %w", key, err)
		}
	}
	return &cachestore.Response{
		Key:      key,
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: storedAt,
	}, nil
}

// Keys implements [cachestore.Store.Keys].
func (s *Store) Keys(ctx context.Context, version string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key FROM spitch_cache_entries WHERE version = $1 ORDER BY key`, version)
	if err != nil {
		return nil, fmt.Errorf("postgres cachestore: keys %q: %w", version, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres cachestore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres cachestore: keys %q: %w", version, err)
	}
	return keys, nil
}
