package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/iccanobif/gikopoi2-sub001/internal/store"
)

func TestPutGet(t *testing.T) {
	dsn := os.Getenv("GIKOPOI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GIKOPOI_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	if _, err := s.pool.Exec(ctx, `TRUNCATE snapshots`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := s.Get(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Data) != `{"v":1}` {
		t.Errorf("unexpected data %s", rec.Data)
	}
}
