package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/store"
)

// Source produces the document to persist. The hub implements it.
type Source interface {
	Capture(ctx context.Context) (*Document, error)
}

// Snapshotter periodically writes the world state to a store.
type Snapshotter struct {
	store    store.SnapshotStore
	source   Source
	interval time.Duration
	log      *zerolog.Logger
}

// New returns a snapshotter writing every interval.
func New(st store.SnapshotStore, source Source, interval time.Duration, logger *zerolog.Logger) *Snapshotter {
	l := logger.With().Str("component", "snapshot").Logger()
	return &Snapshotter{store: st, source: source, interval: interval, log: &l}
}

// Run saves on every tick until ctx ends, then makes a final save. Failures
// are logged and retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Save(final); err != nil {
				s.log.Warn().Err(err).Msg("final snapshot failed")
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := s.Save(ctx); err != nil {
				s.log.Warn().Err(err).Msg("snapshot failed, will retry")
			}
		}
	}
}

// Save captures and writes one snapshot.
func (s *Snapshotter) Save(ctx context.Context) error {
	doc, err := s.source.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	doc.Version = CurrentVersion
	doc.TakenAt = time.Now().UTC()
	data, err := Encode(doc)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.store.Put(ctx, data); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	s.log.Debug().Int("users", len(doc.Users)).Int("bytes", len(data)).Msg("snapshot saved")
	return nil
}

// Load reads and decodes the current snapshot. A missing snapshot yields
// (nil, nil).
func Load(ctx context.Context, st store.SnapshotStore) (*Document, error) {
	rec, err := st.Get(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(rec.Data)
}
