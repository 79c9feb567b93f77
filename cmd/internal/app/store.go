package app

import (
	"context"

	"dstake/cmd/internal/registry"

	"github.com/jackc/pgx/v5/pgxpool"
)

// backend is the storage selected at startup plus the lifecycle hooks the app needs.
type backend struct {
	kind  string
	store registry.Store

	// ping backs /readyz; nil for the in-memory store.
	ping func(ctx context.Context) error
	// pool is owned here, not by the PostgresStore.
	pool *pgxpool.Pool
}

// Close releases the store and any pool it runs on.
func (b backend) Close(_ context.Context) error {
	var err error
	if b.store != nil {
		err = b.store.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return err
}

// newBackend decides between Postgres, SQLite and the in-memory store.
func newBackend(ctx context.Context, cfg Config, log Logger) (backend, error) {
	switch cfg.StorageKind() {
	case "postgres":
		pool, err := openDBPool(ctx, cfg, log)
		if err != nil {
			return backend{}, err
		}

		st, err := registry.NewPostgresStore(pool, registry.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return backend{}, err
		}
		if cfg.DBEnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				pool.Close()
				return backend{}, err
			}
		}

		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return backend{
			kind:  "postgres",
			store: st,
			pool:  pool,
			ping: func(ctx context.Context) error {
				return pingDB(ctx, pool, dbPingTimeout)
			},
		}, nil

	case "sqlite":
		st, err := registry.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}

		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return backend{kind: "sqlite", store: st, ping: st.Ping}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return backend{kind: "memory", store: registry.NewMemoryStore()}, nil
	}
}
