// Package file stores snapshots as JSON files in a directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/store"
)

const (
	currentName = "current.json"
	historyFmt  = "snapshot-20060102T150405.000000000.json"
)

// Store writes the current snapshot atomically and keeps timestamped copies.
type Store struct {
	dir     string
	history int
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir, history: store.DefaultHistory}, nil
}

// Put writes data to a temp file and renames it over the current snapshot.
func (s *Store) Put(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, currentName)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	name := time.Now().UTC().Format(historyFmt)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return s.prune()
}

func (s *Store) prune() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "snapshot-*.json"))
	if err != nil {
		return err
	}
	if len(matches) <= s.history {
		return nil
	}
	sort.Strings(matches)
	var errs []error
	for _, m := range matches[:len(matches)-s.history] {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get reads the current snapshot.
func (s *Store) Get(ctx context.Context) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, currentName)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return &store.Record{Data: data, CreatedAt: info.ModTime()}, nil
}

// History lists retained snapshot file names, oldest first.
func (s *Store) History() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "snapshot-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	for i, m := range matches {
		matches[i] = strings.TrimPrefix(m, s.dir+string(filepath.Separator))
	}
	return matches, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var _ store.SnapshotStore = (*Store)(nil)
