// Package postgres stores snapshots in a PostgreSQL table via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iccanobif/gikopoi2-sub001/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         BIGSERIAL PRIMARY KEY,
	data       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store implements store.SnapshotStore on PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	history int
}

// New connects using dsn and ensures the schema exists.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool, history: store.DefaultHistory}, nil
}

// Put inserts data and prunes old rows in one transaction.
func (s *Store) Put(ctx context.Context, data []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO snapshots (data) VALUES ($1)`, data); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	query := `
		DELETE FROM snapshots
		WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT $1)
	`
	if _, err := tx.Exec(ctx, query, s.history); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit(ctx)
}

// Get returns the newest snapshot.
func (s *Store) Get(ctx context.Context) (*store.Record, error) {
	var rec store.Record
	err := s.pool.QueryRow(ctx, `SELECT data, created_at FROM snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&rec.Data, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return &rec, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ store.SnapshotStore = (*Store)(nil)
