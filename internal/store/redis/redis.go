// Package redis stores snapshots in a Redis list, newest first.
package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iccanobif/gikopoi2-sub001/internal/store"
)

// DefaultKey is the list key used when none is configured.
const DefaultKey = "gikopoi:snapshots"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store implements store.SnapshotStore on Redis.
type Store struct {
	client  *redis.Client
	key     string
	history int64
}

// New connects and pings the server.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, opts.Key), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key, history: store.DefaultHistory}
}

// Each entry is an 8-byte big-endian unix-nano timestamp followed by the data.
func encode(data []byte, at time.Time) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out, uint64(at.UnixNano()))
	copy(out[8:], data)
	return out
}

func decode(raw []byte) (*store.Record, error) {
	if len(raw) < 8 {
		return nil, errors.New("redis: truncated snapshot entry")
	}
	at := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	return &store.Record{Data: raw[8:], CreatedAt: at}, nil
}

// Put pushes data and trims the list to the retained history.
func (s *Store) Put(ctx context.Context, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, encode(data, time.Now()))
		p.LTrim(ctx, s.key, 0, s.history-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push snapshot: %w", err)
	}
	return nil
}

// Get returns the newest entry.
func (s *Store) Get(ctx context.Context) (*store.Record, error) {
	raw, err := s.client.LIndex(ctx, s.key, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decode(raw)
}

// Len returns the number of retained entries.
func (s *Store) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ store.SnapshotStore = (*Store)(nil)
