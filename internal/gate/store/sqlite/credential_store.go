package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

type CredentialStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCredentialStore(db *sql.DB, writer *dbpkg.Worker) *CredentialStore {
	return &CredentialStore{db: db, writer: writer}
}

const credentialColumns = `
credential_id, request_id, direction, payload, issued_at_ms, activates_at_ms,
expires_at_ms, state, consumed_at_ms, consumed_event_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (store.Credential, error) {
	var (
		c                                store.Credential
		direction, state                 string
		issuedMs, activatesMs, expiresMs int64
		consumedMs, consumedEvent        sql.NullInt64
	)
	if err := row.Scan(
		&c.ID, &c.RequestID, &direction, &c.Payload, &issuedMs, &activatesMs,
		&expiresMs, &state, &consumedMs, &consumedEvent,
	); err != nil {
		return store.Credential{}, err
	}
	c.Direction = store.Direction(direction)
	c.State = store.CredentialState(state)
	c.IssuedAt = fromMs(issuedMs)
	c.ActivatesAt = fromMs(activatesMs)
	c.ExpiresAt = fromMs(expiresMs)
	if consumedMs.Valid {
		t := fromMs(consumedMs.Int64)
		c.ConsumedAt = &t
	}
	if consumedEvent.Valid {
		id := consumedEvent.Int64
		c.ConsumedEventID = &id
	}
	return c, nil
}

func (s *CredentialStore) InsertCredential(ctx context.Context, c store.Credential, now time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := scanCredential(tx.QueryRowContext(ctx, `
SELECT`+credentialColumns+`
FROM credentials
WHERE request_id = ? AND direction = ?;
`, c.RequestID, string(c.Direction)))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("InsertCredential lookup: %w", err)
		case existing.Live(now):
			return store.ErrConflict
		default:
			// Expired and never used: the new credential supersedes it.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM credentials WHERE credential_id = ?;`, existing.ID,
			); err != nil {
				return fmt.Errorf("InsertCredential replace expired: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO credentials(
  credential_id, request_id, direction, payload, issued_at_ms,
  activates_at_ms, expires_at_ms, state
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
			c.ID, c.RequestID, string(c.Direction), c.Payload, toMs(c.IssuedAt),
			toMs(c.ActivatesAt), toMs(c.ExpiresAt), string(c.State),
		); err != nil {
			return fmt.Errorf("InsertCredential insert: %w", err)
		}
		return nil
	})
}

func (s *CredentialStore) GetCredential(ctx context.Context, id string) (store.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `
SELECT`+credentialColumns+`
FROM credentials
WHERE credential_id = ?;
`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Credential{}, store.ErrNotFound
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("GetCredential: %w", err)
	}
	return c, nil
}

func (s *CredentialStore) CredentialsForRequest(ctx context.Context, requestID string) ([]store.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT`+credentialColumns+`
FROM credentials
WHERE request_id = ?
ORDER BY CASE direction WHEN 'OUTGOING' THEN 0 ELSE 1 END;
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("CredentialsForRequest: %w", err)
	}
	defer rows.Close()

	var out []store.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("CredentialsForRequest scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *CredentialStore) ConsumeCredential(ctx context.Context, id string, now time.Time, ev store.ScanEvent) (store.ScanEvent, error) {
	nowMs := toMs(now)
	ev.CredentialID = id
	if ev.ScannedAt.IsZero() {
		ev.ScannedAt = now
	}

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Compare-and-swap: only a credential inside its window that has not
		// been consumed matches.
		res, err := tx.ExecContext(ctx, `
UPDATE credentials
SET state = 'CONSUMED',
    consumed_at_ms = ?
WHERE credential_id = ?
  AND state IN ('PENDING_ACTIVATION', 'ACTIVE')
  AND consumed_at_ms IS NULL
  AND activates_at_ms <= ?
  AND expires_at_ms > ?;
`, nowMs, id, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("ConsumeCredential update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ConsumeCredential rows: %w", err)
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM credentials WHERE credential_id = ?;`, id,
			).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("ConsumeCredential recheck: %w", err)
			}
			return store.ErrNotConsumable
		}

		eventID, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		ev.ID = eventID

		if _, err := tx.ExecContext(ctx, `
UPDATE credentials SET consumed_event_id = ? WHERE credential_id = ?;
`, eventID, id); err != nil {
			return fmt.Errorf("ConsumeCredential link event: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.ScanEvent{}, err
	}
	return ev, nil
}

func (s *CredentialStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	var changed int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE credentials
SET state = 'EXPIRED'
WHERE state IN ('PENDING_ACTIVATION', 'ACTIVE')
  AND consumed_at_ms IS NULL
  AND expires_at_ms <= ?;
`, toMs(now))
		if err != nil {
			return fmt.Errorf("MarkExpired: %w", err)
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	return changed, err
}

// PruneBefore uses idx_credentials_expiry for the range scan.
func (s *CredentialStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM credentials
WHERE state = 'EXPIRED'
  AND consumed_at_ms IS NULL
  AND expires_at_ms < ?;
`, toMs(cutoff))
		if err != nil {
			return fmt.Errorf("PruneBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
