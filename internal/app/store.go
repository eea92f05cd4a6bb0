package app

import (
	"context"
	"fmt"

	"github.com/iccanobif/gikopoi2-sub001/internal/config"
	"github.com/iccanobif/gikopoi2-sub001/internal/store"
	"github.com/iccanobif/gikopoi2-sub001/internal/store/file"
	"github.com/iccanobif/gikopoi2-sub001/internal/store/postgres"
	redisstore "github.com/iccanobif/gikopoi2-sub001/internal/store/redis"
	"github.com/iccanobif/gikopoi2-sub001/internal/store/sqlite"
)

// OpenSnapshotStore opens the backend named by cfg. It returns nil, nil for
// the "none" backend.
func OpenSnapshotStore(ctx context.Context, cfg config.SnapshotConfig) (store.SnapshotStore, error) {
	var (
		st  store.SnapshotStore
		err error
	)
	switch cfg.Backend {
	case config.SnapshotNone, "":
		return nil, nil
	case config.SnapshotFile:
		st, err = file.New(cfg.Path)
	case config.SnapshotSQLite:
		st, err = sqlite.New(cfg.Path)
	case config.SnapshotRedis:
		st, err = redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	case config.SnapshotPostgres:
		st, err = postgres.New(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s snapshot store: %w", cfg.Backend, err)
	}
	return st, nil
}
