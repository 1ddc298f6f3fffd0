package db_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/BrandonDHaskell/hostelgate/internal/db"
)

func TestOpen_MigratesAndSeeds(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "nested", "gate.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	v, err := db.Version(ctx, conn, db.DialectSQLite)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 1 {
		t.Errorf("expected schema version 1, got %d", v)
	}

	// Seeding twice is harmless.
	for i := 0; i < 2; i++ {
		if err := db.SeedTerminals(ctx, conn, []string{"gate-1", " ", "gate-2"}); err != nil {
			t.Fatalf("SeedTerminals: %v", err)
		}
	}
	var n int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM terminals WHERE enabled = 1 AND commissioned_at_ms IS NOT NULL`,
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 commissioned terminals, got %d", n)
	}
}

func TestWorker_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "gate.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w := db.NewWorker(conn)
	boom := errors.New("boom")
	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO terminals(terminal_id, created_at_ms, updated_at_ms) VALUES ('t1', 0, 0)`,
		); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM terminals`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback, found %d rows", n)
	}

	w.Close()
	w.Close()
	if err := w.Do(ctx, func(context.Context, *sql.Tx) error { return nil }); !errors.Is(err, db.ErrWorkerClosed) {
		t.Errorf("expected ErrWorkerClosed, got %v", err)
	}
}
