package store

import (
	"context"
	"strings"
	"time"
)

// Student is the snapshot of a student as registered by the approval system.
type Student struct {
	Ref               string
	Name              string
	RollNumber        string
	HostelBlock       string
	Floor             string
	RoomNumber        string
	PhoneNumber       string
	ParentPhoneNumber string
}

// PermissionRequest is an approved outing or home-permission request.  The
// gate only needs its snapshot; approval itself happens upstream.
type PermissionRequest struct {
	ID          string
	Type        string // RequestTypeOuting | RequestTypeHomePermission
	Category    string // CategoryNormal | CategoryEmergency
	Purpose     string
	Destination string
	OutAt       time.Time
	ReturnAt    time.Time
	Student     Student
	UpdatedAt   time.Time
}

func (r PermissionRequest) IsEmergency() bool {
	return r.Category == CategoryEmergency
}

type RequestStore interface {
	UpsertRequest(ctx context.Context, r PermissionRequest) error
	GetRequest(ctx context.Context, id string) (PermissionRequest, error)

	// LatestRequestForStudent returns the most recently updated request of
	// the student, or ErrNotFound.
	LatestRequestForStudent(ctx context.Context, studentRef string) (PermissionRequest, error)

	// SearchStudents matches query case-insensitively against student name,
	// roll number and ref.  Each student appears once, as of their latest
	// request, ordered by name then ref.
	SearchStudents(ctx context.Context, query string, limit int) ([]Student, error)
}

// MatchesStudent is the in-process form of SearchStudents' filter.  query
// must already be lower-cased.
func MatchesStudent(s Student, query string) bool {
	for _, f := range []string{s.Name, s.RollNumber, s.Ref} {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

// LikePattern builds a lower-cased "%query%" LIKE pattern with '\' as the
// escape character.
func LikePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(query)) + "%"
}
