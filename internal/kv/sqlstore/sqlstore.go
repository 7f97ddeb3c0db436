// Package sqlstore is the production KV Store implementation: one row per
// (namespace, key), value stored as a JSON blob, matching the rest of the
// pack's Postgres-backed store implementations.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lattice-run/lattice/internal/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS lattice_kv (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);
`

// Store is the Postgres-backed KV implementation, satisfying kv.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the lattice_kv table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Put(ctx context.Context, namespace, key string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal value: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO lattice_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = now()
	`, namespace, key, buf)
	return err
}

func (s *Store) Get(ctx context.Context, namespace, key string) (interface{}, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM lattice_kv WHERE namespace = $1 AND key = $2`, namespace, key).Scan(&raw)
	if err != nil {
		return nil, kv.ErrNotFound
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal value: %w", err)
	}
	return v, nil
}

func (s *Store) List(ctx context.Context, namespace string) ([]interface{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT value FROM lattice_kv WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM lattice_kv WHERE namespace = $1 AND key = $2`, namespace, key)
	return err
}

var _ kv.Store = (*Store)(nil)
