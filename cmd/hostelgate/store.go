package main

import (
	"context"
	"fmt"

	"github.com/BrandonDHaskell/hostelgate/internal/config"
	"github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store/memory"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store/postgres"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store/sqlite"
)

// openStore opens the configured backend, applies migrations and
// commissions the configured terminals.  The returned func releases it.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.DBDriver {
	case "memory":
		return memory.New(cfg.KnownTerminals), func() {}, nil

	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool)
		if err := st.SeedTerminals(ctx, cfg.KnownTerminals); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil

	case "sqlite":
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return nil, nil, err
		}
		if err := db.SeedTerminals(ctx, conn, cfg.KnownTerminals); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		writer := db.NewWorker(conn)
		closeFn := func() {
			writer.Close()
			_ = conn.Close()
		}
		return sqlite.New(conn, writer), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}
