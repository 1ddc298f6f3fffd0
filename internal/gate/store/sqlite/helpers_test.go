package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
	sqlitestore "github.com/BrandonDHaskell/hostelgate/internal/gate/store/sqlite"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production.  The connection is closed automatically when the
// test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Each call gets a unique in-memory database.  The shared-cache URI
	// keeps the database alive for the lifetime of the connection pool.
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		t.Name(),
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn, db.DialectSQLite); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

func newTestStore(t *testing.T) (*sqlitestore.Store, *sql.DB) {
	t.Helper()
	conn := openTestDB(t)
	return sqlitestore.New(conn, newTestWriter(t, conn)), conn
}

func seedRequest(t *testing.T, s *sqlitestore.Store, id, studentRef string, updatedAt time.Time) {
	t.Helper()
	err := s.UpsertRequest(context.Background(), store.PermissionRequest{
		ID:       id,
		Type:     store.RequestTypeOuting,
		Category: store.CategoryNormal,
		Purpose:  "market",
		OutAt:    t0,
		ReturnAt: t0.Add(8 * time.Hour),
		Student: store.Student{
			Ref:         studentRef,
			Name:        "Student " + studentRef,
			HostelBlock: "D-Block",
			RoomNumber:  "101",
		},
		UpdatedAt: updatedAt,
	})
	if err != nil {
		t.Fatalf("seedRequest %s: %v", id, err)
	}
}

func credential(id, requestID string, dir store.Direction, from, to time.Time) store.Credential {
	return store.Credential{
		ID:          id,
		RequestID:   requestID,
		Direction:   dir,
		Payload:     "payload-" + id,
		IssuedAt:    t0,
		ActivatesAt: from,
		ExpiresAt:   to,
		State:       store.StateActive,
	}
}
