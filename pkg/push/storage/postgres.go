package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the table used by PostgresStorage.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS push_local_state (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (namespace, key)
)`

// PostgresStorage stores keys in a shared PostgreSQL table, scoped by namespace
// so several agents can share one database.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresStorage creates a store scoped to namespace. It ensures the table exists.
func NewPostgresStorage(ctx context.Context, pool *pgxpool.Pool, namespace string) (*PostgresStorage, error) {
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStorage{pool: pool, namespace: namespace}, nil
}

// Get returns the stored value for key.
func (s *PostgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM push_local_state WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts value for key.
func (s *PostgresStorage) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_local_state (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		s.namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM push_local_state WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var _ Storage = (*PostgresStorage)(nil)
