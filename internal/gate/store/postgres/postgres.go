// Package postgres implements the gate stores on a pgx pool.  The consume
// path relies on a single conditional UPDATE inside a transaction, so any
// number of server replicas can share the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ── Credentials ──────────────────────────────────────────────────────────────

const credentialColumns = `
credential_id, request_id, direction, payload, issued_at, activates_at,
expires_at, state, consumed_at, consumed_event_id`

func scanCredential(row pgx.Row) (store.Credential, error) {
	var (
		c                store.Credential
		direction, state string
	)
	if err := row.Scan(
		&c.ID, &c.RequestID, &direction, &c.Payload, &c.IssuedAt, &c.ActivatesAt,
		&c.ExpiresAt, &state, &c.ConsumedAt, &c.ConsumedEventID,
	); err != nil {
		return store.Credential{}, err
	}
	c.Direction = store.Direction(direction)
	c.State = store.CredentialState(state)
	c.IssuedAt = c.IssuedAt.UTC()
	c.ActivatesAt = c.ActivatesAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	if c.ConsumedAt != nil {
		t := c.ConsumedAt.UTC()
		c.ConsumedAt = &t
	}
	return c, nil
}

func (s *Store) InsertCredential(ctx context.Context, c store.Credential, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := scanCredential(tx.QueryRow(ctx, `
SELECT`+credentialColumns+`
FROM credentials
WHERE request_id = $1 AND direction = $2
FOR UPDATE`, c.RequestID, string(c.Direction)))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("InsertCredential lookup: %w", err)
		case existing.Live(now):
			return store.ErrConflict
		default:
			if _, err := tx.Exec(ctx,
				`DELETE FROM credentials WHERE credential_id = $1`, existing.ID,
			); err != nil {
				return fmt.Errorf("InsertCredential replace expired: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `
INSERT INTO credentials(
  credential_id, request_id, direction, payload, issued_at,
  activates_at, expires_at, state
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.RequestID, string(c.Direction), c.Payload, c.IssuedAt.UTC(),
			c.ActivatesAt.UTC(), c.ExpiresAt.UTC(), string(c.State),
		)
		if isUniqueViolation(err) {
			// A concurrent issuer won the (request_id, direction) slot.
			return store.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("InsertCredential insert: %w", err)
		}
		return nil
	})
}

func (s *Store) GetCredential(ctx context.Context, id string) (store.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, `
SELECT`+credentialColumns+`
FROM credentials
WHERE credential_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Credential{}, store.ErrNotFound
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("GetCredential: %w", err)
	}
	return c, nil
}

func (s *Store) CredentialsForRequest(ctx context.Context, requestID string) ([]store.Credential, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+credentialColumns+`
FROM credentials
WHERE request_id = $1
ORDER BY CASE direction WHEN 'OUTGOING' THEN 0 ELSE 1 END`, requestID)
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

func (s *Store) ConsumeCredential(ctx context.Context, id string, now time.Time, ev store.ScanEvent) (store.ScanEvent, error) {
	now = now.UTC()
	ev.CredentialID = id
	if ev.ScannedAt.IsZero() {
		ev.ScannedAt = now
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE credentials
SET state = 'CONSUMED',
    consumed_at = $1
WHERE credential_id = $2
  AND state IN ('PENDING_ACTIVATION', 'ACTIVE')
  AND consumed_at IS NULL
  AND activates_at <= $1
  AND expires_at > $1`, now, id)
		if err != nil {
			return fmt.Errorf("ConsumeCredential update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var one int
			err := tx.QueryRow(ctx,
				`SELECT 1 FROM credentials WHERE credential_id = $1`, id,
			).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
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

		if _, err := tx.Exec(ctx,
			`UPDATE credentials SET consumed_event_id = $1 WHERE credential_id = $2`,
			eventID, id,
		); err != nil {
			return fmt.Errorf("ConsumeCredential link event: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.ScanEvent{}, err
	}
	return ev, nil
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE credentials
SET state = 'EXPIRED'
WHERE state IN ('PENDING_ACTIVATION', 'ACTIVE')
  AND consumed_at IS NULL
  AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("MarkExpired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM credentials
WHERE state = 'EXPIRED'
  AND consumed_at IS NULL
  AND expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("PruneBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Events ───────────────────────────────────────────────────────────────────

func (s *Store) AppendEvent(ctx context.Context, ev store.ScanEvent) (store.ScanEvent, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		ev.ID = id
		return nil
	})
	if err != nil {
		return store.ScanEvent{}, err
	}
	return ev, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev store.ScanEvent) (int64, error) {
	var credentialID any
	if ev.CredentialID != "" {
		credentialID = ev.CredentialID
	}

	var id int64
	err := tx.QueryRow(ctx, `
INSERT INTO scan_events(
  scanned_at, student_ref, student_name, movement_type, hostel_block,
  room_number, request_id, request_type, category, purpose, location,
  terminal_id, credential_id, manual, is_suspicious, suspicious_comment
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING event_id`,
		ev.ScannedAt.UTC(), ev.StudentRef, ev.StudentName, string(ev.Type), ev.HostelBlock,
		ev.RoomNumber, ev.RequestID, ev.RequestType, ev.Category, ev.Purpose, ev.Location,
		ev.TerminalID, credentialID, ev.Manual, ev.IsSuspicious, ev.SuspiciousComment,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert scan event: %w", err)
	}
	return id, nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]store.ScanEvent, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		where = append(where, fmt.Sprintf("scanned_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		where = append(where, fmt.Sprintf("scanned_at < $%d", len(args)))
	}
	if f.StudentRef != "" {
		args = append(args, f.StudentRef)
		where = append(where, fmt.Sprintf("student_ref = $%d", len(args)))
	}

	q := `
SELECT event_id, scanned_at, student_ref, student_name, movement_type,
       hostel_block, room_number, request_id, request_type, category, purpose,
       location, terminal_id, COALESCE(credential_id, ''), manual, is_suspicious,
       suspicious_comment
FROM scan_events`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY scanned_at, event_id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	var out []store.ScanEvent
	for rows.Next() {
		var (
			ev       store.ScanEvent
			movement string
		)
		if err := rows.Scan(
			&ev.ID, &ev.ScannedAt, &ev.StudentRef, &ev.StudentName, &movement,
			&ev.HostelBlock, &ev.RoomNumber, &ev.RequestID, &ev.RequestType, &ev.Category, &ev.Purpose,
			&ev.Location, &ev.TerminalID, &ev.CredentialID, &ev.Manual, &ev.IsSuspicious,
			&ev.SuspiciousComment,
		); err != nil {
			return nil, fmt.Errorf("ListEvents scan: %w", err)
		}
		ev.ScannedAt = ev.ScannedAt.UTC()
		ev.Type = store.MovementType(movement)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── Requests ─────────────────────────────────────────────────────────────────

func (s *Store) UpsertRequest(ctx context.Context, r store.PermissionRequest) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	st := r.Student
	_, err := s.pool.Exec(ctx, `
INSERT INTO permission_requests(
  request_id, request_type, category, purpose, destination, out_at,
  return_at, student_ref, student_name, roll_number, hostel_block, floor,
  room_number, phone_number, parent_phone_number, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (request_id) DO UPDATE SET
  request_type        = EXCLUDED.request_type,
  category            = EXCLUDED.category,
  purpose             = EXCLUDED.purpose,
  destination         = EXCLUDED.destination,
  out_at              = EXCLUDED.out_at,
  return_at           = EXCLUDED.return_at,
  student_ref         = EXCLUDED.student_ref,
  student_name        = EXCLUDED.student_name,
  roll_number         = EXCLUDED.roll_number,
  hostel_block        = EXCLUDED.hostel_block,
  floor               = EXCLUDED.floor,
  room_number         = EXCLUDED.room_number,
  phone_number        = EXCLUDED.phone_number,
  parent_phone_number = EXCLUDED.parent_phone_number,
  updated_at          = EXCLUDED.updated_at`,
		r.ID, r.Type, r.Category, r.Purpose, r.Destination, nullableTime(r.OutAt),
		nullableTime(r.ReturnAt), st.Ref, st.Name, st.RollNumber, st.HostelBlock, st.Floor,
		st.RoomNumber, st.PhoneNumber, st.ParentPhoneNumber, r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("UpsertRequest: %w", err)
	}
	return nil
}

const requestColumns = `
request_id, request_type, category, purpose, destination, out_at,
return_at, student_ref, student_name, roll_number, hostel_block, floor,
room_number, phone_number, parent_phone_number, updated_at`

func scanRequest(row pgx.Row) (store.PermissionRequest, error) {
	var (
		r               store.PermissionRequest
		outAt, returnAt *time.Time
	)
	st := &r.Student
	if err := row.Scan(
		&r.ID, &r.Type, &r.Category, &r.Purpose, &r.Destination, &outAt,
		&returnAt, &st.Ref, &st.Name, &st.RollNumber, &st.HostelBlock, &st.Floor,
		&st.RoomNumber, &st.PhoneNumber, &st.ParentPhoneNumber, &r.UpdatedAt,
	); err != nil {
		return store.PermissionRequest{}, err
	}
	if outAt != nil {
		r.OutAt = outAt.UTC()
	}
	if returnAt != nil {
		r.ReturnAt = returnAt.UTC()
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (store.PermissionRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `
SELECT`+requestColumns+`
FROM permission_requests
WHERE request_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PermissionRequest{}, store.ErrNotFound
	}
	if err != nil {
		return store.PermissionRequest{}, fmt.Errorf("GetRequest: %w", err)
	}
	return r, nil
}

func (s *Store) LatestRequestForStudent(ctx context.Context, studentRef string) (store.PermissionRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `
SELECT`+requestColumns+`
FROM permission_requests
WHERE student_ref = $1
ORDER BY updated_at DESC, request_id DESC
LIMIT 1`, studentRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PermissionRequest{}, store.ErrNotFound
	}
	if err != nil {
		return store.PermissionRequest{}, fmt.Errorf("LatestRequestForStudent: %w", err)
	}
	return r, nil
}

func (s *Store) SearchStudents(ctx context.Context, query string, limit int) ([]store.Student, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (student_ref)
       student_ref, student_name, roll_number, hostel_block, floor,
       room_number, phone_number, parent_phone_number
FROM permission_requests
WHERE lower(student_name) LIKE $1
   OR lower(roll_number)  LIKE $1
   OR lower(student_ref)  LIKE $1
ORDER BY student_ref, updated_at DESC, request_id DESC`, store.LikePattern(strings.TrimSpace(query)))
	if err != nil {
		return nil, fmt.Errorf("SearchStudents: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Student, error) {
		var st store.Student
		err := row.Scan(&st.Ref, &st.Name, &st.RollNumber, &st.HostelBlock, &st.Floor,
			&st.RoomNumber, &st.PhoneNumber, &st.ParentPhoneNumber)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("SearchStudents scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Ref < out[j].Ref
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Terminals ────────────────────────────────────────────────────────────────

func (s *Store) IsKnown(ctx context.Context, terminalID string) (bool, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return false, nil
	}
	var known bool
	err := s.pool.QueryRow(ctx, `
SELECT enabled AND commissioned_at IS NOT NULL AND revoked_at IS NULL
FROM terminals
WHERE terminal_id = $1`, terminalID).Scan(&known)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return known, nil
}

func (s *Store) MarkSeen(ctx context.Context, terminalID string, _ bool, t time.Time) error {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO terminals(terminal_id, enabled, last_seen_at, created_at, updated_at)
VALUES ($1, FALSE, $2, $2, $2)
ON CONFLICT (terminal_id) DO UPDATE SET
  last_seen_at = EXCLUDED.last_seen_at,
  updated_at   = EXCLUDED.updated_at`, terminalID, t.UTC())
	if err != nil {
		return fmt.Errorf("MarkSeen: %w", err)
	}
	return nil
}

// SeedTerminals commissions the configured terminals.  Revoked terminals stay
// revoked.
func (s *Store) SeedTerminals(ctx context.Context, known []string) error {
	now := time.Now().UTC()
	for _, tid := range known {
		tid = strings.TrimSpace(tid)
		if tid == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, `
INSERT INTO terminals(terminal_id, display_name, enabled, commissioned_at, created_at, updated_at)
VALUES ($1, $1, TRUE, $2, $2, $2)
ON CONFLICT (terminal_id) DO UPDATE SET
  enabled         = TRUE,
  commissioned_at = COALESCE(terminals.commissioned_at, EXCLUDED.commissioned_at),
  updated_at      = EXCLUDED.updated_at`, tid, now); err != nil {
			return fmt.Errorf("seed terminal %s: %w", tid, err)
		}
	}
	return nil
}
