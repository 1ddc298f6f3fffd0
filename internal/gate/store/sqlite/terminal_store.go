package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/hostelgate/internal/db"
)

type TerminalStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewTerminalStore(db *sql.DB, writer *dbpkg.Worker) *TerminalStore {
	return &TerminalStore{db: db, writer: writer}
}

// IsKnown treats "known" as commissioned + enabled + not revoked.
func (s *TerminalStore) IsKnown(ctx context.Context, terminalID string) (bool, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return false, nil
	}

	var enabled int
	var commissioned sql.NullInt64
	var revoked sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
SELECT enabled, commissioned_at_ms, revoked_at_ms
FROM terminals
WHERE terminal_id = ?;
`, terminalID).Scan(&enabled, &commissioned, &revoked)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}

	return enabled == 1 && commissioned.Valid && !revoked.Valid, nil
}

// MarkSeen ensures a terminal row exists (unknown terminals start disabled)
// and updates last_seen.
func (s *TerminalStore) MarkSeen(ctx context.Context, terminalID string, _ bool, t time.Time) error {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := toMs(t)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO terminals(
  terminal_id, enabled, created_at_ms, updated_at_ms
) VALUES (?, 0, ?, ?);
`, terminalID, ms, ms); err != nil {
			return fmt.Errorf("MarkSeen insert terminal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE terminals
SET last_seen_at_ms = ?,
    updated_at_ms   = ?
WHERE terminal_id = ?;
`, ms, ms, terminalID); err != nil {
			return fmt.Errorf("MarkSeen update terminal: %w", err)
		}
		return nil
	})
}
