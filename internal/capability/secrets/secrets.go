// Package secrets implements the SecretStore capability. Secrets are kept
// out of the durable KV store (not one of its fixed namespaces) and
// persisted in a dedicated table instead.
package secrets

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lattice-run/lattice/internal/capability"
)

const schema = `
CREATE TABLE IF NOT EXISTS lattice_secrets (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Store implements capability.SecretStore against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the secrets table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

var _ capability.SecretStore = (*Store)(nil)

func (s *Store) Get(ctx context.Context, name string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM lattice_secrets WHERE name = $1`, name).Scan(&value)
	if err != nil {
		return "", &capability.ErrNotFound{Resource: name}
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lattice_secrets (name, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		name, value)
	return err
}

func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM lattice_secrets WHERE name = $1`, name)
	return err
}
