package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the call_prompts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_prompts (
    lookup_key   TEXT PRIMARY KEY,
    instructions TEXT NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by the call_prompts table.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPool parses dsn and opens a connection pool, verifying it with a ping.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("prompt: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("prompt: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prompt: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL, creating the table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("prompt: migrate: %w", err)
	}
	return nil
}

// Lookup implements [Store].
func (s *PostgresStore) Lookup(ctx context.Context, key string) (string, error) {
	const query = `SELECT instructions FROM call_prompts WHERE lookup_key = $1`

	var text string
	if err := s.db.QueryRow(ctx, query, key).Scan(&text); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("prompt: postgres %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("prompt: postgres lookup %q: %w", key, err)
	}
	return text, nil
}

// Put inserts or replaces the instructions for key.
func (s *PostgresStore) Put(ctx context.Context, key, instructions string) error {
	const query = `
		INSERT INTO call_prompts (lookup_key, instructions)
		VALUES ($1, $2)
		ON CONFLICT (lookup_key)
		DO UPDATE SET instructions = EXCLUDED.instructions, updated_at = now()`

	if _, err := s.db.Exec(ctx, query, key, instructions); err != nil {
		return fmt.Errorf("prompt: postgres put %q: %w", key, err)
	}
	return nil
}

// Delete removes the instructions for key. Deleting a missing key is not an
// error.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM call_prompts WHERE lookup_key = $1`, key); err != nil {
		return fmt.Errorf("prompt: postgres delete %q: %w", key, err)
	}
	return nil
}
