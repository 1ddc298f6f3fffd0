package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	dbpkg "github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// EventStore is the append-only scan_events log.  Triggers in the schema
// reject UPDATE and DELETE on the table.
type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

func (s *EventStore) AppendEvent(ctx context.Context, ev store.ScanEvent) (store.ScanEvent, error) {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
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

// insertEvent must be called inside an existing transaction.
func insertEvent(ctx context.Context, tx *sql.Tx, ev store.ScanEvent) (int64, error) {
	var credentialID any
	if ev.CredentialID != "" {
		credentialID = ev.CredentialID
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO scan_events(
  scanned_at_ms, student_ref, student_name, movement_type, hostel_block,
  room_number, request_id, request_type, category, purpose, location,
  terminal_id, credential_id, manual, is_suspicious, suspicious_comment
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		toMs(ev.ScannedAt), ev.StudentRef, ev.StudentName, string(ev.Type), ev.HostelBlock,
		ev.RoomNumber, ev.RequestID, ev.RequestType, ev.Category, ev.Purpose, ev.Location,
		ev.TerminalID, credentialID, boolInt(ev.Manual), boolInt(ev.IsSuspicious), ev.SuspiciousComment,
	)
	if err != nil {
		return 0, fmt.Errorf("insert scan event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert scan event id: %w", err)
	}
	return id, nil
}

// ListEvents uses idx_scan_events_window for the time range.
func (s *EventStore) ListEvents(ctx context.Context, f store.EventFilter) ([]store.ScanEvent, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		where = append(where, "scanned_at_ms >= ?")
		args = append(args, toMs(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "scanned_at_ms < ?")
		args = append(args, toMs(f.To))
	}
	if f.StudentRef != "" {
		where = append(where, "student_ref = ?")
		args = append(args, f.StudentRef)
	}

	q := `
SELECT event_id, scanned_at_ms, student_ref, student_name, movement_type,
       hostel_block, room_number, request_id, request_type, category, purpose,
       location, terminal_id, credential_id, manual, is_suspicious,
       suspicious_comment
FROM scan_events`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY scanned_at_ms, event_id;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	var out []store.ScanEvent
	for rows.Next() {
		var (
			ev                   store.ScanEvent
			scannedMs            int64
			movement             string
			credentialID         sql.NullString
			manual, isSuspicious int
		)
		if err := rows.Scan(
			&ev.ID, &scannedMs, &ev.StudentRef, &ev.StudentName, &movement,
			&ev.HostelBlock, &ev.RoomNumber, &ev.RequestID, &ev.RequestType, &ev.Category, &ev.Purpose,
			&ev.Location, &ev.TerminalID, &credentialID, &manual, &isSuspicious,
			&ev.SuspiciousComment,
		); err != nil {
			return nil, fmt.Errorf("ListEvents scan: %w", err)
		}
		ev.ScannedAt = fromMs(scannedMs)
		ev.Type = store.MovementType(movement)
		ev.CredentialID = credentialID.String
		ev.Manual = manual == 1
		ev.IsSuspicious = isSuspicious == 1
		out = append(out, ev)
	}
	return out, rows.Err()
}
