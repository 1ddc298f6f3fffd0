package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SeedTerminals commissions the configured gate terminals so a fresh
// database accepts their scans without an admin step.  Terminals revoked
// earlier stay revoked.
func SeedTerminals(ctx context.Context, db *sql.DB, known []string) error {
	now := time.Now().UTC().UnixMilli()

	for _, tid := range known {
		tid = strings.TrimSpace(tid)
		if tid == "" {
			continue
		}

		if _, err := db.ExecContext(ctx, `
INSERT INTO terminals(
  terminal_id, display_name, enabled, commissioned_at_ms,
  created_at_ms, updated_at_ms
) VALUES (?, ?, 1, ?, ?, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
  enabled = 1,
  commissioned_at_ms = COALESCE(terminals.commissioned_at_ms, excluded.commissioned_at_ms),
  updated_at_ms = excluded.updated_at_ms;
`, tid, tid, now, now, now); err != nil {
			return fmt.Errorf("seed terminal %s: %w", tid, err)
		}
	}

	return nil
}
