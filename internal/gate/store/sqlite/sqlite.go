// Package sqlite implements the gate stores on modernc.org/sqlite.  Reads go
// straight to the *sql.DB; every write is funnelled through a db.Worker so
// transactions never interleave.
package sqlite

import (
	"database/sql"
	"time"

	dbpkg "github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// Store bundles the sqlite repositories into a store.Store.
type Store struct {
	*CredentialStore
	*EventStore
	*RequestStore
	*TerminalStore
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{
		CredentialStore: NewCredentialStore(db, writer),
		EventStore:      NewEventStore(db, writer),
		RequestStore:    NewRequestStore(db, writer),
		TerminalStore:   NewTerminalStore(db, writer),
	}
}

func toMs(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toMs(t)
}

func fromNullMs(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMs(v.Int64)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
