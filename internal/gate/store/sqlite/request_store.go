package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

type RequestStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewRequestStore(db *sql.DB, writer *dbpkg.Worker) *RequestStore {
	return &RequestStore{db: db, writer: writer}
}

func (s *RequestStore) UpsertRequest(ctx context.Context, r store.PermissionRequest) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	st := r.Student

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO permission_requests(
  request_id, request_type, category, purpose, destination, out_at_ms,
  return_at_ms, student_ref, student_name, roll_number, hostel_block, floor,
  room_number, phone_number, parent_phone_number, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
  request_type        = excluded.request_type,
  category            = excluded.category,
  purpose             = excluded.purpose,
  destination         = excluded.destination,
  out_at_ms           = excluded.out_at_ms,
  return_at_ms        = excluded.return_at_ms,
  student_ref         = excluded.student_ref,
  student_name        = excluded.student_name,
  roll_number         = excluded.roll_number,
  hostel_block        = excluded.hostel_block,
  floor               = excluded.floor,
  room_number         = excluded.room_number,
  phone_number        = excluded.phone_number,
  parent_phone_number = excluded.parent_phone_number,
  updated_at_ms       = excluded.updated_at_ms;
`,
			r.ID, r.Type, r.Category, r.Purpose, r.Destination, nullableMs(r.OutAt),
			nullableMs(r.ReturnAt), st.Ref, st.Name, st.RollNumber, st.HostelBlock, st.Floor,
			st.RoomNumber, st.PhoneNumber, st.ParentPhoneNumber, toMs(r.UpdatedAt),
		); err != nil {
			return fmt.Errorf("UpsertRequest: %w", err)
		}
		return nil
	})
}

const requestColumns = `
request_id, request_type, category, purpose, destination, out_at_ms,
return_at_ms, student_ref, student_name, roll_number, hostel_block, floor,
room_number, phone_number, parent_phone_number, updated_at_ms`

func scanRequest(row rowScanner) (store.PermissionRequest, error) {
	var (
		r               store.PermissionRequest
		outMs, returnMs sql.NullInt64
		updatedMs       int64
	)
	st := &r.Student
	if err := row.Scan(
		&r.ID, &r.Type, &r.Category, &r.Purpose, &r.Destination, &outMs,
		&returnMs, &st.Ref, &st.Name, &st.RollNumber, &st.HostelBlock, &st.Floor,
		&st.RoomNumber, &st.PhoneNumber, &st.ParentPhoneNumber, &updatedMs,
	); err != nil {
		return store.PermissionRequest{}, err
	}
	r.OutAt = fromNullMs(outMs)
	r.ReturnAt = fromNullMs(returnMs)
	r.UpdatedAt = fromMs(updatedMs)
	return r, nil
}

func (s *RequestStore) GetRequest(ctx context.Context, id string) (store.PermissionRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
SELECT`+requestColumns+`
FROM permission_requests
WHERE request_id = ?;
`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.PermissionRequest{}, store.ErrNotFound
	}
	if err != nil {
		return store.PermissionRequest{}, fmt.Errorf("GetRequest: %w", err)
	}
	return r, nil
}

func (s *RequestStore) LatestRequestForStudent(ctx context.Context, studentRef string) (store.PermissionRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `
SELECT`+requestColumns+`
FROM permission_requests
WHERE student_ref = ?
ORDER BY updated_at_ms DESC, request_id DESC
LIMIT 1;
`, studentRef))
	if errors.Is(err, sql.ErrNoRows) {
		return store.PermissionRequest{}, store.ErrNotFound
	}
	if err != nil {
		return store.PermissionRequest{}, fmt.Errorf("LatestRequestForStudent: %w", err)
	}
	return r, nil
}

func (s *RequestStore) SearchStudents(ctx context.Context, query string, limit int) ([]store.Student, error) {
	if limit <= 0 {
		limit = -1
	}
	pat := store.LikePattern(strings.TrimSpace(query))
	rows, err := s.db.QueryContext(ctx, `
SELECT student_ref, student_name, roll_number, hostel_block, floor,
       room_number, phone_number, parent_phone_number
FROM permission_requests p
WHERE (lower(p.student_name) LIKE ?1 ESCAPE '\'
    OR lower(p.roll_number)  LIKE ?1 ESCAPE '\'
    OR lower(p.student_ref)  LIKE ?1 ESCAPE '\')
  AND NOT EXISTS (
    SELECT 1 FROM permission_requests q
    WHERE q.student_ref = p.student_ref
      AND (q.updated_at_ms > p.updated_at_ms
        OR (q.updated_at_ms = p.updated_at_ms AND q.request_id > p.request_id))
  )
ORDER BY p.student_name, p.student_ref
LIMIT ?2;
`, pat, limit)
	if err != nil {
		return nil, fmt.Errorf("SearchStudents: %w", err)
	}
	defer rows.Close()

	var out []store.Student
	for rows.Next() {
		var st store.Student
		if err := rows.Scan(&st.Ref, &st.Name, &st.RollNumber, &st.HostelBlock, &st.Floor,
			&st.RoomNumber, &st.PhoneNumber, &st.ParentPhoneNumber); err != nil {
			return nil, fmt.Errorf("SearchStudents scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
