package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iccanobif/gikopoi2-sub001/internal/config"
)

func TestOpenSnapshotStoreNone(t *testing.T) {
	st, err := OpenSnapshotStore(context.Background(), config.SnapshotConfig{Backend: config.SnapshotNone})
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestOpenSnapshotStoreUnknown(t *testing.T) {
	_, err := OpenSnapshotStore(context.Background(), config.SnapshotConfig{Backend: "tape"})
	assert.ErrorContains(t, err, "unknown snapshot backend")
}

func TestOpenSnapshotStoreBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.SnapshotConfig
	}{
		{"file", config.SnapshotConfig{Backend: config.SnapshotFile, Path: filepath.Join(dir, "snapshots")}},
		{"sqlite", config.SnapshotConfig{Backend: config.SnapshotSQLite, Path: filepath.Join(dir, "snapshots.db")}},
		{"redis", config.SnapshotConfig{Backend: config.SnapshotRedis, RedisAddr: mr.Addr(), RedisKey: "test:snapshots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st, err := OpenSnapshotStore(ctx, tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, st)
			t.Cleanup(func() { _ = st.Close() })

			require.NoError(t, st.Put(ctx, []byte(`{"version":2}`)))
			rec, err := st.Get(ctx)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.JSONEq(t, `{"version":2}`, string(rec.Data))
		})
	}
}
