package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iccanobif/gikopoi2-sub001/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	data       BLOB NOT NULL,
	created_at DATETIME NOT NULL
);
`

// SQLiteStore implements store.SnapshotStore for SQLite.
type SQLiteStore struct {
	db      *sql.DB
	history int
}

// New creates a new SQLite store.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Set connection pool limits before setup
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, history: store.DefaultHistory}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts a snapshot and prunes rows beyond the retained history.
func (s *SQLiteStore) Put(ctx context.Context, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots (data, created_at) VALUES (?, ?)`, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	query := `
		DELETE FROM snapshots
		WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)
	`
	if _, err := tx.ExecContext(ctx, query, s.history); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit()
}

// Get returns the newest snapshot.
func (s *SQLiteStore) Get(ctx context.Context) (*store.Record, error) {
	var rec store.Record
	err := s.db.QueryRowContext(ctx, `SELECT data, created_at FROM snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&rec.Data, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return &rec, nil
}

// Count returns the number of retained snapshots.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

var _ store.SnapshotStore = (*SQLiteStore)(nil)
