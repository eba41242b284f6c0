// Package postgres provides a PostgreSQL implementation of kv.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/contest-sync/internal/kv"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements kv.Store on the kv_state table.
// Values are stored as jsonb, so they must be valid JSON documents.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL state store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM kv_state WHERE key = $1`

	var value []byte
	err := s.db.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// Set upserts the value stored under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap replaces the value under key if it still equals old.
// Values are compared as jsonb.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, next []byte) error {
	query := `
		UPDATE kv_state SET value = $3, updated_at = NOW()
		WHERE key = $1 AND value = $2::jsonb
	`
	tag, err := s.db.Exec(ctx, query, key, old, next)
	if err != nil {
		return fmt.Errorf("swap state %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return kv.ErrConflict
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM kv_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}
